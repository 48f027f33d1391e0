// Package kratos is a thin client for the Ory Kratos public API, covering
// the API-flavored password login flow plus whoami and logout. Identity
// management beyond that goes through the admin API and is out of scope.
package kratos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	publicBaseURL string
	httpClient    *http.Client
}

type Identity struct {
	ID     string         `json:"id"`
	Traits map[string]any `json:"traits"`
}

// Email returns the identity's email trait, or "" when absent.
func (i Identity) Email() string {
	if v, ok := i.Traits["email"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

type Session struct {
	Token    string
	Identity Identity
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("kratos: http %d: %s", e.StatusCode, msg)
}

func New(publicBaseURL string) (*Client, error) {
	publicBaseURL = strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if publicBaseURL == "" {
		return nil, errors.New("kratos: missing public base url")
	}
	u, err := url.Parse(publicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("kratos: invalid public base url")
	}
	return &Client{
		publicBaseURL: publicBaseURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// LoginPassword runs the API-flavored self-service login flow: create flow,
// submit password, whoami. The returned session token outlives the request
// and is what Logout revokes.
func (c *Client) LoginPassword(ctx context.Context, identifier string, password string) (Session, error) {
	var flow struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodGet, "/self-service/login/api", nil, nil, &flow); err != nil {
		return Session{}, err
	}
	if flow.ID == "" {
		return Session{}, errors.New("kratos: missing login flow id")
	}

	var submitted struct {
		SessionToken string `json:"session_token"`
	}
	err := c.call(ctx, http.MethodPost, "/self-service/login?flow="+url.QueryEscape(flow.ID), nil, map[string]any{
		"method":     "password",
		"identifier": identifier,
		"password":   password,
	}, &submitted)
	if err != nil {
		return Session{}, err
	}
	if submitted.SessionToken == "" {
		return Session{}, errors.New("kratos: missing session token")
	}

	ident, err := c.Whoami(ctx, submitted.SessionToken)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: submitted.SessionToken, Identity: ident}, nil
}

func (c *Client) Whoami(ctx context.Context, sessionToken string) (Identity, error) {
	var out struct {
		Identity Identity `json:"identity"`
	}
	headers := map[string]string{"X-Session-Token": sessionToken}
	if err := c.call(ctx, http.MethodGet, "/sessions/whoami", headers, nil, &out); err != nil {
		return Identity{}, err
	}
	return out.Identity, nil
}

// Logout revokes the Kratos session behind the token. A 401 means the token
// is already dead and is not treated as an error.
func (c *Client) Logout(ctx context.Context, sessionToken string) error {
	err := c.call(ctx, http.MethodDelete, "/self-service/logout/api", nil, map[string]any{
		"session_token": sessionToken,
	}, nil)
	var he *HTTPError
	if errors.As(err, &he) && he.StatusCode == http.StatusUnauthorized {
		return nil
	}
	return err
}

// call does one JSON round trip against the public API. A non-2xx status
// becomes an *HTTPError carrying a truncated response body.
func (c *Client) call(ctx context.Context, method string, path string, headers map[string]string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.publicBaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		const maxBody = 4096
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(b)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
