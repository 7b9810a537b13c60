package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// httpClient is the shared HTTP client with a 10-second timeout for all
// registry auth requests.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// TokenResponse holds the bearer token returned by a registry auth endpoint.
type TokenResponse struct {
	Token string `json:"token"`
}

// AuthEntry holds decoded credentials from a Docker config file.
type AuthEntry struct {
	Username string
	Password string
}

// dockerConfig represents the top-level structure of ~/.docker/config.json.
type dockerConfig struct {
	Auths map[string]dockerConfigAuth `json:"auths"`
}

// dockerConfigAuth holds the base64-encoded "auth" field from config.json.
type dockerConfigAuth struct {
	Auth string `json:"auth"`
}

// FetchAnonymousToken retrieves an anonymous bearer token from Docker Hub's
// auth endpoint for the given repository (e.g. "library/nginx").
func FetchAnonymousToken(ctx context.Context, repo string) (string, error) {
	url := "https://auth.docker.io/token?service=registry.docker.io&scope=repository:" + repo + ":pull"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.Token == "" {
		return "", fmt.Errorf("empty token in response")
	}

	return tok.Token, nil
}

// FetchGHCRToken retrieves an anonymous bearer token from GitHub Container
// Registry's auth endpoint for the given repository (e.g. "user/repo").
// GHCR serves public image pulls without credentials, same shape as Docker
// Hub's anonymous token endpoint.
func FetchGHCRToken(ctx context.Context, repo string) (string, error) {
	url := "https://ghcr.io/token?service=ghcr.io&scope=repository:" + repo + ":pull"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create ghcr auth request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch ghcr token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ghcr auth endpoint returned %d", resp.StatusCode)
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode ghcr token response: %w", err)
	}
	if tok.Token == "" {
		return "", fmt.Errorf("empty token in ghcr response")
	}
	return tok.Token, nil
}

// fetchDockerHubToken requests a bearer token for a credentialed Docker Hub
// pull, attaching Basic auth to the token-exchange request so private
// repositories resolve.
func fetchDockerHubToken(ctx context.Context, repo string, cred *RegistryCredential) (string, error) {
	url := "https://auth.docker.io/token?service=registry.docker.io&scope=repository:" + repo + ":pull"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	req.SetBasicAuth(cred.Username, cred.Secret)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.Token == "" {
		return "", fmt.Errorf("empty token in response")
	}
	return tok.Token, nil
}

// fetchGenericToken resolves a bearer token for a third-party registry
// (e.g. lscr.io, hotio.dev, docker.gitea.com) by following the standard
// Docker Registry v2 challenge: an unauthenticated GET against /v2/ returns
// a Www-Authenticate header naming the realm and service to exchange a
// token with. This lets one code path support any registry implementing the
// distribution spec instead of hardcoding a per-registry auth endpoint.
func fetchGenericToken(ctx context.Context, host, repo string, cred *RegistryCredential) (string, error) {
	probeReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+host+"/v2/", nil)
	if err != nil {
		return "", fmt.Errorf("create challenge request: %w", err)
	}
	probeResp, err := httpClient.Do(probeReq)
	if err != nil {
		return "", fmt.Errorf("challenge request: %w", err)
	}
	defer probeResp.Body.Close()

	if probeResp.StatusCode == http.StatusOK {
		// No auth required at all.
		return "", nil
	}

	realm, service := parseWWWAuthenticate(probeResp.Header.Get("Www-Authenticate"))
	if realm == "" {
		return "", fmt.Errorf("registry %s returned %d with no auth challenge", host, probeResp.StatusCode)
	}

	url := realm + "?scope=repository:" + repo + ":pull"
	if service != "" {
		url += "&service=" + service
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return tok.Token, nil
}

// parseWWWAuthenticate extracts the realm and service parameters from a
// Bearer-scheme Www-Authenticate header, e.g.
// `Bearer realm="https://auth.example.com/token",service="example.com"`.
func parseWWWAuthenticate(header string) (realm, service string) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ""
	}
	params := strings.TrimPrefix(header, "Bearer ")
	for _, part := range strings.Split(params, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		val := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "realm":
			realm = val
		case "service":
			service = val
		}
	}
	return realm, service
}

// FetchToken resolves a pull-scoped bearer token for repo on the given
// registry host, choosing the right auth flow (Docker Hub, GHCR, GitLab,
// or the generic Www-Authenticate challenge) and falling back to anonymous
// access when no credential is configured.
func FetchToken(ctx context.Context, repo string, cred *RegistryCredential, host string) (string, error) {
	host = NormaliseRegistryHost(host)
	switch {
	case host == "docker.io" || host == "":
		if cred == nil {
			return FetchAnonymousToken(ctx, repo)
		}
		return fetchDockerHubToken(ctx, repo, cred)
	case host == "ghcr.io":
		if cred != nil {
			return fetchGenericToken(ctx, host, repo, cred)
		}
		return FetchGHCRToken(ctx, repo)
	case IsGitLabRegistry(host):
		return FetchGitLabRegistryToken(ctx, host, repo, cred)
	default:
		return fetchGenericToken(ctx, host, repo, cred)
	}
}

// ReadDockerConfig parses a Docker config.json file and returns a map of
// registry hostname to decoded credentials. Each "auth" value is expected
// to be base64-encoded "username:password".
func ReadDockerConfig(path string) (map[string]AuthEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read docker config: %w", err)
	}

	var cfg dockerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse docker config: %w", err)
	}

	result := make(map[string]AuthEntry, len(cfg.Auths))
	for registry, auth := range cfg.Auths {
		if auth.Auth == "" {
			continue
		}

		decoded, err := base64.StdEncoding.DecodeString(auth.Auth)
		if err != nil {
			continue
		}

		parts := strings.SplitN(string(decoded), ":", 2)
		if len(parts) != 2 {
			continue
		}

		result[registry] = AuthEntry{
			Username: parts[0],
			Password: parts[1],
		}
	}

	return result, nil
}
