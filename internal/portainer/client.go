package portainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// AuthType selects how a Client authenticates against a Portainer server,
// per spec.md §4.3's PortainerInstance.authType field.
type AuthType string

const (
	AuthTypeAPIKey   AuthType = "apikey"
	AuthTypePassword AuthType = "password"
)

// Client talks to one Portainer server. A fleet of PortainerInstance rows
// means a fleet of Clients, one per instance — there is no shared
// connection pool across instances beyond the underlying http.Transport.
type Client struct {
	baseURL  string
	authType AuthType

	apiKey             string // authType == AuthTypeAPIKey
	username, password string // authType == AuthTypePassword

	httpClient *http.Client

	mu  sync.Mutex
	jwt string // cached bearer token for AuthTypePassword, refreshed on 401
}

// NewAPIKeyClient returns a Client authenticating with a Portainer API key
// (the "X-API-Key" header), spec.md §4.3's authType=apikey.
func NewAPIKeyClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authType:   AuthTypeAPIKey,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewPasswordClient returns a Client authenticating with a Portainer
// username/password, spec.md §4.3's authType=password. The session JWT
// returned by POST /api/auth is cached and transparently refreshed the
// first time a request comes back 401.
func NewPasswordClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authType:   AuthTypePassword,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// authRequest/authResponse mirror Portainer's POST /api/auth contract.
type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	JWT string `json:"jwt"`
}

// authenticate exchanges the stored credentials for a fresh JWT and caches it.
func (c *Client) authenticate(ctx context.Context) error {
	body, err := json.Marshal(authRequest{Username: c.username, Password: c.password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("portainer auth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("portainer auth error %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode portainer auth response: %w", err)
	}

	c.mu.Lock()
	c.jwt = out.JWT
	c.mu.Unlock()
	return nil
}

func (c *Client) currentJWT() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jwt
}

func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.ListEndpoints(ctx)
	return err
}

func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var endpoints []Endpoint
	if err := c.get(ctx, "/api/endpoints", &endpoints); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return endpoints, nil
}

func (c *Client) ListContainers(ctx context.Context, endpointID int) ([]Container, error) {
	var containers []Container
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/json?all=1", endpointID)
	if err := c.get(ctx, path, &containers); err != nil {
		return nil, fmt.Errorf("list containers (endpoint %d): %w", endpointID, err)
	}
	return containers, nil
}

func (c *Client) ListStacks(ctx context.Context) ([]Stack, error) {
	var stacks []Stack
	if err := c.get(ctx, "/api/stacks", &stacks); err != nil {
		return nil, fmt.Errorf("list stacks: %w", err)
	}
	return stacks, nil
}

func (c *Client) RedeployStack(ctx context.Context, stackID, endpointID int, env []EnvVar) error {
	body := StackRedeploy{Env: env, PullImage: true, Prune: false}
	path := fmt.Sprintf("/api/stacks/%d?endpointId=%d", stackID, endpointID)
	return c.put(ctx, path, body)
}

func (c *Client) InspectContainer(ctx context.Context, endpointID int, containerID string) (*InspectResponse, error) {
	var resp InspectResponse
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/json", endpointID, containerID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	return &resp, nil
}

func (c *Client) StopContainer(ctx context.Context, endpointID int, containerID string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/stop", endpointID, containerID)
	return c.post(ctx, path, nil)
}

func (c *Client) RemoveContainer(ctx context.Context, endpointID int, containerID string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s", endpointID, containerID)
	return c.delete(ctx, path)
}

func (c *Client) PullImage(ctx context.Context, endpointID int, image, tag string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/images/create?fromImage=%s&tag=%s", endpointID, image, tag)
	return c.post(ctx, path, nil)
}

func (c *Client) CreateContainer(ctx context.Context, endpointID int, name string, body interface{}) (string, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/create?name=%s", endpointID, name)
	var resp ContainerCreateResponse
	if err := c.postJSON(ctx, path, body, &resp); err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, endpointID int, containerID string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/start", endpointID, containerID)
	return c.post(ctx, path, nil)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.doAuthed(ctx, http.MethodGet, path, nil, false, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	return c.postJSON(ctx, path, body, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	var b []byte
	if body != nil {
		var err error
		b, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.doAuthed(ctx, http.MethodPost, path, b, body != nil, out)
}

func (c *Client) put(ctx context.Context, path string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.doAuthed(ctx, http.MethodPut, path, b, true, nil)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.doAuthed(ctx, http.MethodDelete, path, nil, false, nil)
}

// doAuthed builds and sends one request, reattaching the auth header and
// replaying the (buffered) body on a retry. For AuthTypePassword, a missing
// cached JWT triggers authentication first; a 401 response triggers exactly
// one re-authenticate-and-retry, covering both an expired session and a
// cold client.
func (c *Client) doAuthed(ctx context.Context, method, path string, body []byte, hasJSONBody bool, out interface{}) error {
	build := func() (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return nil, err
		}
		if hasJSONBody {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}

	if c.authType == AuthTypePassword && c.currentJWT() == "" {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
	}

	req, err := build()
	if err != nil {
		return err
	}
	if c.authType == AuthTypePassword {
		req.Header.Set("Authorization", "Bearer "+c.currentJWT())
	} else {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.authType == AuthTypePassword {
		resp.Body.Close()
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		retry, err := build()
		if err != nil {
			return err
		}
		retry.Header.Set("Authorization", "Bearer "+c.currentJWT())
		resp, err = c.httpClient.Do(retry)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("portainer API error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
