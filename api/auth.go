package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"datapub.evalgo.org/common"
	"datapub.evalgo.org/security"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// postToken implements the OAuth client-credentials grant. The client
// authenticates with basic auth, requested scopes narrow the granted set.
func (s *Server) postToken(c echo.Context) error {
	if s.Clients == nil || s.Tokens == nil {
		return common.NoAuthServer()
	}
	if grant := c.FormValue("grant_type"); grant != "client_credentials" {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported grant type")
	}
	id, secret, ok := c.Request().BasicAuth()
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing client credentials")
	}
	client, err := s.Clients.Authenticate(id, secret)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid client credentials")
	}

	granted := client.Scopes
	if requested := strings.Fields(c.FormValue("scope")); len(requested) > 0 {
		allowed := map[string]bool{}
		for _, scope := range client.Scopes {
			allowed[scope] = true
		}
		granted = nil
		for _, scope := range requested {
			if !allowed[scope] {
				return common.InsufficientScope(scope)
			}
			granted = append(granted, scope)
		}
	}

	token, err := s.Tokens.IssueToken(client.ID, granted, s.TokenTTL)
	if err != nil {
		return err
	}
	if l := requestLog(c); l != nil {
		l.AddAccessor("client", client.ID)
	}
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.TokenTTL.Seconds()),
		Scope:       strings.Join(granted, " "),
	})
}

type clientPayload struct {
	ClientID string   `json:"client_id"`
	Secret   string   `json:"secret"`
	Scopes   []string `json:"scopes"`
}

func clientView(client *security.Client) map[string]interface{} {
	scopes := client.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return map[string]interface{}{
		"client_id": client.ID,
		"scopes":    scopes,
	}
}

func (s *Server) listClients(c echo.Context) error {
	clients, err := s.Clients.List()
	if err != nil {
		return err
	}
	out := make([]map[string]interface{}, 0, len(clients))
	for _, client := range clients {
		out = append(out, clientView(client))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"clients": out})
}

func (s *Server) createClient(c echo.Context) error {
	var payload clientPayload
	if err := c.Bind(&payload); err != nil {
		return common.JSONError(err.Error())
	}
	if payload.ClientID == "" || payload.Secret == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id and secret are required")
	}
	client, err := s.Clients.Create(payload.ClientID, payload.Secret, payload.Scopes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, clientView(client))
}

func (s *Server) getClient(c echo.Context) error {
	client, err := s.Clients.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, clientView(client))
}

func (s *Server) updateClient(c echo.Context) error {
	var payload clientPayload
	if err := c.Bind(&payload); err != nil {
		return common.JSONError(err.Error())
	}
	client, err := s.Clients.Update(c.Param("id"), payload.Secret, payload.Scopes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, clientView(client))
}

func (s *Server) deleteClient(c echo.Context) error {
	if err := s.Clients.Delete(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
