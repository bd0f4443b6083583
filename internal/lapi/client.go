// Package lapi provides clients for downstream CrowdSec LAPIs: decision
// queries via bouncer key and alert pushes via machine credentials.
package lapi

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
	"sync"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/models"
)

// ErrNoMachineCredentials is returned when an alert push is attempted
// against a server configured without machine_id/password.
var ErrNoMachineCredentials = errors.New("lapi: server has no machine credentials")

// tokenSlack refreshes machine tokens this long before they expire.
const tokenSlack = 10 * time.Second

// Client is an HTTP client for one CrowdSec LAPI.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	machineID  string
	password   string
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a client for one configured LAPI server.
func NewClient(cfg config.LAPIServer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		machineID:  cfg.MachineID,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// URL returns the configured base URL.
func (c *Client) URL() string { return c.baseURL }

// HasMachineCredentials reports whether this server can receive alerts.
func (c *Client) HasMachineCredentials() bool {
	return c.machineID != "" && c.password != ""
}

type loginRequest struct {
	MachineID string `json:"machine_id"`
	Password  string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	Expire string `json:"expire"`
}

// MachineToken returns a valid bearer token, logging in when the cached
// one is missing or within tokenSlack of expiry.
func (c *Client) MachineToken(ctx context.Context) (string, error) {
	if !c.HasMachineCredentials() {
		return "", ErrNoMachineCredentials
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExpiry) > tokenSlack {
		return c.token, nil
	}

	body, _ := json.Marshal(loginRequest{MachineID: c.machineID, Password: c.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/watchers/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("LAPI login returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("parsing login response: %w", err)
	}
	if lr.Token == "" {
		return "", fmt.Errorf("LAPI login returned an empty token")
	}

	c.token = lr.Token
	if exp, ok := models.ParseTimestamp(lr.Expire); ok {
		c.tokenExpiry = exp
	} else {
		// No usable expiry; assume a short-lived token.
		c.tokenExpiry = time.Now().Add(30 * time.Minute)
	}
	return c.token, nil
}

// InvalidateToken drops the cached machine token.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// PushAlerts posts an alert batch via machine credentials.
func (c *Client) PushAlerts(ctx context.Context, alerts []models.Alert) error {
	token, err := c.MachineToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("encoding alerts: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/alerts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized {
			c.InvalidateToken()
		}
		return fmt.Errorf("LAPI returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// GetDecisions fetches active decisions, optionally filtered by IP, using
// the bouncer key.
func (c *Client) GetDecisions(ctx context.Context, ip string) ([]models.Decision, error) {
	reqURL := c.baseURL + "/v1/decisions"
	if ip != "" {
		reqURL += "?" + url.Values{"ip": {ip}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("LAPI returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	// LAPI returns null for empty decisions.
	if strings.TrimSpace(string(body)) == "null" {
		return []models.Decision{}, nil
	}

	var decisions []models.Decision
	if err := json.Unmarshal(body, &decisions); err != nil {
		return nil, fmt.Errorf("parsing decisions: %w", err)
	}
	return decisions, nil
}

// DeleteDecision removes one decision by id using the bouncer key.
func (c *Client) DeleteDecision(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/decisions/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("LAPI returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Pool holds the configured LAPI clients in configuration order.
type Pool struct {
	clients map[string]*Client
	order   []string
}

// NewPool builds clients for every configured server.
func NewPool(servers []config.LAPIServer, timeout time.Duration) *Pool {
	p := &Pool{clients: make(map[string]*Client, len(servers))}
	for _, s := range servers {
		p.clients[s.Name] = NewClient(s, timeout)
		p.order = append(p.order, s.Name)
	}
	return p
}

// Get returns the client for a server name.
func (p *Pool) Get(name string) (*Client, bool) {
	c, ok := p.clients[name]
	return c, ok
}

// All returns every client in configuration order.
func (p *Pool) All() []*Client {
	out := make([]*Client, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.clients[name])
	}
	return out
}

// WithMachineCredentials returns the clients able to receive alerts,
// restricted to names when given.
func (p *Pool) WithMachineCredentials(names []string) []*Client {
	var out []*Client
	for _, c := range p.All() {
		if !c.HasMachineCredentials() {
			continue
		}
		if len(names) > 0 && !containsName(names, c.name) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
