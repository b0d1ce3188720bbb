package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const clientProtocol = "1.5"

// ErrNoToken is returned when the negotiate response has no connection token.
var ErrNoToken = errors.New("negotiate response has no connection token")

type negotiateResponse struct {
	ConnectionToken string `json:"ConnectionToken"`
	ConnectionID    string `json:"ConnectionId"`
	ProtocolVersion string `json:"ProtocolVersion"`
}

func connectionData(hub string) string {
	b, _ := json.Marshal([]struct {
		Name string `json:"name"`
	}{{Name: hub}})
	return string(b)
}

// NegotiateURL builds the handshake URL for base and hub.
func NegotiateURL(base, hub string) string {
	q := url.Values{}
	q.Set("clientProtocol", clientProtocol)
	q.Set("connectionData", connectionData(hub))
	return strings.TrimRight(base, "/") + "/signalr/negotiate?" + q.Encode()
}

// ConnectURL builds the streaming URL, switching http(s) to ws(s).
func ConnectURL(base, hub, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("cannot parse message server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported message server scheme %q", u.Scheme)
	}
	u.Path += "/signalr/connect"

	q := url.Values{}
	q.Set("transport", "webSockets")
	q.Set("clientProtocol", clientProtocol)
	q.Set("connectionToken", token)
	q.Set("connectionData", connectionData(hub))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// negotiate performs the handshake and returns the connection token.
func (c *Client) negotiate(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, NegotiateURL(c.cfg.BaseURL, c.cfg.Hub), nil)
	if err != nil {
		return "", fmt.Errorf("cannot build negotiate request: %w", err)
	}
	for k, v := range c.headers() {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("negotiate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("negotiate returned status %d", resp.StatusCode)
	}

	var body negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("cannot decode negotiate response: %w", err)
	}
	if body.ConnectionToken == "" {
		return "", ErrNoToken
	}
	return body.ConnectionToken, nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}
