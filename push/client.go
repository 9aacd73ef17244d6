package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential is one entry of the client credentials file.
type Credential struct {
	Secret string   `yaml:"secret"`
	Server string   `yaml:"server"`
	Scopes []string `yaml:"scopes"`
}

// LoadCredentials reads a YAML map from client id to credential.
func LoadCredentials(path string) (map[string]Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("push: reading credentials %s: %w", path, err)
	}
	creds := map[string]Credential{}
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("push: parsing credentials %s: %w", path, err)
	}
	return creds, nil
}

// Client posts chunks to the target service.
type Client struct {
	server string
	token  string
	http   *http.Client
}

// NewClient builds a client for a target server with a ready bearer token.
func NewClient(server, token string) *Client {
	return &Client{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// Authenticate obtains a bearer token with the OAuth client-credentials
// grant and returns a ready client.
func Authenticate(ctx context.Context, clientID string, cred Credential) (*Client, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(cred.Scopes) > 0 {
		form.Set("scope", strings.Join(cred.Scopes, " "))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(cred.Server, "/")+"/auth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(clientID, cred.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push: requesting token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("push: token request failed: %s: %s", resp.Status, body)
	}
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("push: parsing token response: %w", err)
	}
	return NewClient(cred.Server, token.AccessToken), nil
}

// Send posts one chunk body and returns the remote's _data items. The
// caller correlates them positionally against the sent rows.
func (c *Client) Send(ctx context.Context, body []byte) ([]map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push: sending chunk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("push: remote rejected chunk: %s: %s", resp.Status, payload)
	}
	var out struct {
		Data []map[string]interface{} `json:"_data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("push: parsing chunk response: %w", err)
	}
	return out.Data, nil
}

// chunkPrefix and chunkSuffix frame a batch envelope.
const (
	chunkPrefix = `{"_data":[`
	chunkSuffix = `]}`
)

// chunker accumulates JSON-encoded rows into batch envelopes. A chunk
// flushes when adding the next row would exceed the size budget.
type chunker struct {
	size int
	buf  bytes.Buffer
	rows []*pushRow
}

func newChunker(size int) *chunker {
	c := &chunker{size: size}
	c.buf.WriteString(chunkPrefix)
	return c
}

// add appends one row, returning a full envelope to send first when the
// row would not fit.
func (c *chunker) add(row *pushRow, encoded []byte) (flush []byte, flushRows []*pushRow) {
	if len(c.rows) > 0 && c.size > 0 &&
		c.buf.Len()+len(encoded)+1+len(chunkSuffix) > c.size {
		flush, flushRows = c.takeChunk()
	}
	if len(c.rows) > 0 {
		c.buf.WriteByte(',')
	}
	c.buf.Write(encoded)
	c.rows = append(c.rows, row)
	return flush, flushRows
}

// finish returns the trailing partial envelope, nil when empty.
func (c *chunker) finish() ([]byte, []*pushRow) {
	if len(c.rows) == 0 {
		return nil, nil
	}
	return c.takeChunk()
}

func (c *chunker) takeChunk() ([]byte, []*pushRow) {
	c.buf.WriteString(chunkSuffix)
	body := append([]byte{}, c.buf.Bytes()...)
	rows := c.rows
	c.buf.Reset()
	c.buf.WriteString(chunkPrefix)
	c.rows = nil
	return body, rows
}
