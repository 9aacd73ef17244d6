package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"datapub.evalgo.org/common"
)

// Client is one registered API client. The secret is stored hashed only.
type Client struct {
	ID         string   `yaml:"client_id" json:"client_id"`
	SecretHash string   `yaml:"client_secret_hash" json:"-"`
	Scopes     []string `yaml:"scopes" json:"scopes"`
}

// ClientStore keeps client credentials as one YAML file per client under a
// directory. File names are the client id plus ".yml".
type ClientStore struct {
	dir string
}

// NewClientStore opens a client directory, creating it when missing.
func NewClientStore(dir string) (*ClientStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create client directory %s: %w", dir, err)
	}
	return &ClientStore{dir: dir}, nil
}

func (s *ClientStore) path(id string) string {
	return filepath.Join(s.dir, id+".yml")
}

// validClientID rejects ids that would escape the store directory.
func validClientID(id string) bool {
	if id == "" || id != filepath.Base(id) {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

// Get reads one client.
func (s *ClientStore) Get(id string) (*Client, error) {
	if !validClientID(id) {
		return nil, common.NotFound("client", id)
	}
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NotFound("client", id)
		}
		return nil, fmt.Errorf("failed to read client %s: %w", id, err)
	}
	var client Client
	if err := yaml.Unmarshal(raw, &client); err != nil {
		return nil, fmt.Errorf("failed to parse client %s: %w", id, err)
	}
	if client.ID == "" {
		client.ID = id
	}
	return &client, nil
}

// List returns all clients sorted by id.
func (s *ClientStore) List() ([]*Client, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	var out []*Client
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yml") {
			continue
		}
		client, err := s.Get(strings.TrimSuffix(name, ".yml"))
		if err != nil {
			return nil, err
		}
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create registers a new client, hashing the given secret.
func (s *ClientStore) Create(id, secret string, scopes []string) (*Client, error) {
	if !validClientID(id) {
		return nil, common.InvalidValue("client_id", id)
	}
	if _, err := os.Stat(s.path(id)); err == nil {
		return nil, common.ClientAlreadyExists(id)
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, err
	}
	client := &Client{ID: id, SecretHash: hash, Scopes: scopes}
	if err := s.write(client); err != nil {
		return nil, err
	}
	return client, nil
}

// Update replaces a client's scopes and, when secret is non-empty, its
// secret hash.
func (s *ClientStore) Update(id, secret string, scopes []string) (*Client, error) {
	client, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		hash, err := HashSecret(secret)
		if err != nil {
			return nil, err
		}
		client.SecretHash = hash
	}
	if scopes != nil {
		client.Scopes = scopes
	}
	if err := s.write(client); err != nil {
		return nil, err
	}
	return client, nil
}

// Delete removes a client.
func (s *ClientStore) Delete(id string) error {
	if !validClientID(id) {
		return common.NotFound("client", id)
	}
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return common.NotFound("client", id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete client %s: %w", id, err)
	}
	return nil
}

// Authenticate verifies a client id and secret pair.
func (s *ClientStore) Authenticate(id, secret string) (*Client, error) {
	client, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := VerifySecret(client.SecretHash, secret); err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return nil, common.InsufficientPermission()
		}
		return nil, fmt.Errorf("failed to verify client %s: %w", id, err)
	}
	return client, nil
}

func (s *ClientStore) write(client *Client) error {
	raw, err := yaml.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to serialise client %s: %w", client.ID, err)
	}
	if err := os.WriteFile(s.path(client.ID), raw, 0o600); err != nil {
		return fmt.Errorf("failed to write client %s: %w", client.ID, err)
	}
	return nil
}
