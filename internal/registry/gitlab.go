package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GitLabContainerRegistryHost is the host segment that identifies an image
// reference as living in gitlab.com's container registry, e.g.
// "registry.gitlab.com/group/project/image:tag".
const GitLabContainerRegistryHost = "registry.gitlab.com"

// IsGitLabRegistry reports whether a registry host is treated as a GitLab
// Container Registry: gitlab.com's own, or any host whose name begins with
// "registry." (taken to be a self-hosted GitLab instance).
func IsGitLabRegistry(host string) bool {
	return host == GitLabContainerRegistryHost || strings.HasPrefix(host, "registry.")
}

// GitLabTokenResponse mirrors the bearer token GitLab's container registry
// auth endpoint returns, shaped the same way Docker Hub's is.
type GitLabTokenResponse struct {
	Token string `json:"token"`
}

// FetchGitLabRegistryToken exchanges credentials (a personal/deploy/project
// access token used as the password, per GitLab's container registry auth
// docs) for a short-lived bearer token scoped to pull access on repo.
func FetchGitLabRegistryToken(ctx context.Context, host, repo string, cred *RegistryCredential) (string, error) {
	authHost := host
	if authHost == "" || authHost == GitLabContainerRegistryHost {
		authHost = "gitlab.com"
	}
	url := fmt.Sprintf("https://%s/jwt/auth?service=container_registry&scope=repository:%s:pull", authHost, repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create gitlab auth request: %w", err)
	}
	if cred != nil && cred.Secret != "" {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch gitlab registry token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gitlab auth endpoint returned %d", resp.StatusCode)
	}

	var tok GitLabTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode gitlab token response: %w", err)
	}
	if tok.Token == "" {
		return "", fmt.Errorf("empty token in gitlab auth response")
	}
	return tok.Token, nil
}

// GitLabProjectPath extracts the "group/subgroup/project" path GitLab's
// API uses to identify a project, from a registry image reference like
// "registry.gitlab.com/group/project/image:tag". GitLab nests the
// container image one level below the project path, so the project path
// is everything but the final segment.
func GitLabProjectPath(imageRef string) string {
	repo := strings.TrimPrefix(strings.TrimPrefix(imageRef, "https://"), GitLabContainerRegistryHost+"/")
	if i := strings.Index(repo, "@"); i >= 0 {
		repo = repo[:i]
	}
	if i := strings.LastIndex(repo, ":"); i >= 0 {
		if slash := strings.LastIndex(repo, "/"); i > slash {
			repo = repo[:i]
		}
	}
	idx := strings.LastIndex(repo, "/")
	if idx < 0 {
		return repo
	}
	return repo[:idx]
}

// FetchLatestGitLabRelease resolves the newest release of a GitLab project
// via `GET /projects/:id/releases` (spec.md §6.2), which GitLab returns
// ordered newest-first by release date, authenticating with token when
// non-empty via the PRIVATE-TOKEN header. Transient failures are retried
// with backoff; a project with no releases yet returns a nil release.
func FetchLatestGitLabRelease(ctx context.Context, gitlabHost, projectPath, token string) (*LatestRelease, error) {
	host := gitlabHost
	if host == "" {
		host = "gitlab.com"
	}
	encodedProject := strings.ReplaceAll(projectPath, "/", "%2F")
	url := fmt.Sprintf("https://%s/api/v4/projects/%s/releases?order_by=released_at&sort=desc&per_page=1", host, encodedProject)

	return WithRetry(ctx, func() (*LatestRelease, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create gitlab releases request: %w", err)
		}
		if token != "" {
			req.Header.Set("PRIVATE-TOKEN", token)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gitlab releases request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if cerr := ClassifyHTTPStatus(resp); cerr != nil {
			return nil, cerr
		}

		var releases []struct {
			TagName    string    `json:"tag_name"`
			ReleasedAt time.Time `json:"released_at"`
			Links      struct {
				Self string `json:"self"`
			} `json:"_links"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
			return nil, fmt.Errorf("decode gitlab releases: %w", err)
		}
		if len(releases) == 0 {
			return nil, nil
		}
		r := releases[0]
		releaseURL := r.Links.Self
		if releaseURL == "" {
			releaseURL = fmt.Sprintf("https://%s/%s/-/releases/%s", host, projectPath, r.TagName)
		}
		return &LatestRelease{Tag: r.TagName, PublishedAt: r.ReleasedAt, URL: releaseURL}, nil
	})
}

// gitlabReleaseResponse is the subset of GitLab's
// GET /projects/:id/releases/:tag_name response this system needs.
type gitlabReleaseResponse struct {
	Name        string `json:"name"`
	TagName     string `json:"tag_name"`
	Description string `json:"description"`
	Links       struct {
		Self string `json:"self"`
	} `json:"_links"`
}

// FetchGitLabReleaseNotes fetches release notes for a tagged version from
// GitLab's Releases API, mirroring FetchReleaseNotes's GitHub counterpart
// in releases.go. projectPath is a GitLab "group/project" path (URL-encoded
// internally, since GitLab's API requires project paths to be percent-encoded
// when used as the :id parameter). Returns nil if no release exists for the
// version under either its bare or "v"-prefixed tag form.
func FetchGitLabReleaseNotes(ctx context.Context, gitlabHost, projectPath, version string) *ReleaseInfo {
	host := gitlabHost
	if host == "" {
		host = "gitlab.com"
	}

	tags := []string{version}
	if !strings.HasPrefix(version, "v") {
		tags = append(tags, "v"+version)
	}

	encodedProject := strings.ReplaceAll(projectPath, "/", "%2F")

	for _, tag := range tags {
		url := fmt.Sprintf("https://%s/api/v4/projects/%s/releases/%s", host, encodedProject, tag)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}

		var release gitlabReleaseResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&release)
		resp.Body.Close()
		if decodeErr != nil || release.TagName == "" {
			continue
		}

		body := release.Description
		if len(body) > 500 {
			body = body[:500] + "..."
		}

		releaseURL := release.Links.Self
		if releaseURL == "" {
			releaseURL = fmt.Sprintf("https://%s/%s/-/releases/%s", host, projectPath, release.TagName)
		}

		return &ReleaseInfo{URL: releaseURL, Body: body}
	}

	return nil
}
