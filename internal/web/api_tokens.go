package web

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/store"
)

// maskToken hides the secret value before a token is returned to the client.
func maskToken(tok store.RepositoryAccessToken) store.RepositoryAccessToken {
	if tok.AccessToken != "" {
		tok.AccessToken = "****"
	}
	return tok
}

func (s *Server) apiListRepositoryTokens(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	toks, err := s.deps.Store.ListRepositoryAccessTokens(u.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list repository access tokens", err))
		return
	}
	out := make([]store.RepositoryAccessToken, len(toks))
	for i, t := range toks {
		out[i] = maskToken(t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiCreateRepositoryToken(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var tok store.RepositoryAccessToken
	if err := decodeJSON(r, &tok); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if tok.Name == "" || tok.AccessToken == "" {
		writeError(w, apperr.New(apperr.Validation, "name and accessToken are required"))
		return
	}
	switch tok.Provider {
	case "github", "gitlab":
	default:
		writeError(w, apperr.New(apperr.Validation, "provider must be github or gitlab"))
		return
	}
	tok.ID = uuid.NewString()
	tok.UserID = u.ID
	if err := s.deps.Store.CreateRepositoryAccessToken(tok); err != nil {
		writeError(w, apperr.Wrap(apperr.Conflict, "create repository access token", err))
		return
	}
	writeJSON(w, http.StatusOK, maskToken(tok))
}

// apiUpdateRepositoryToken supports only rotating the secret; name and
// provider are immutable once created, matching the teacher's treatment of
// credential records elsewhere (registry credentials are replace-only).
func (s *Server) apiUpdateRepositoryToken(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	existing, err := s.deps.Store.GetRepositoryAccessToken(u.ID, id)
	if err != nil || existing == nil {
		writeError(w, apperr.Wrap(apperr.Validation, "repository access token not found", err))
		return
	}
	var req store.RepositoryAccessToken
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if req.AccessToken == "" || req.AccessToken == "****" {
		writeError(w, apperr.New(apperr.Validation, "accessToken is required to rotate"))
		return
	}
	updated := *existing
	updated.AccessToken = req.AccessToken
	if err := s.deps.Store.DeleteRepositoryAccessToken(u.ID, id); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "rotate repository access token", err))
		return
	}
	if err := s.deps.Store.CreateRepositoryAccessToken(updated); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "rotate repository access token", err))
		return
	}
	writeJSON(w, http.StatusOK, maskToken(updated))
}

func (s *Server) apiDeleteRepositoryToken(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteRepositoryAccessToken(u.ID, id); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "delete repository access token", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type associateImagesRequest struct {
	ImageRepos []string `json:"imageRepos" yaml:"imageRepos"`
}

// decodeAssociateImagesBody accepts either JSON or YAML, keyed off
// Content-Type, since this endpoint doubles as the bulk-apply surface for
// operators who maintain their image-repo lists as YAML alongside the rest
// of their Portainer stack definitions.
func decodeAssociateImagesBody(r *http.Request, req *associateImagesRequest) error {
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(body, req)
	}
	return decodeJSON(r, req)
}

// apiAssociateImages attaches a repository access token to a set of image
// repositories, so the registry client authenticates on their behalf on
// the next resolution (spec.md §4.3's private-registry credential lookup).
// The request body is JSON by default, or YAML when sent with a
// "yaml"-bearing Content-Type — the one bulk-apply format spec.md §6.4
// requires without a full config import/export UI.
func (s *Server) apiAssociateImages(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	tok, err := s.deps.Store.GetRepositoryAccessToken(u.ID, id)
	if err != nil || tok == nil {
		writeError(w, apperr.Wrap(apperr.Validation, "repository access token not found", err))
		return
	}
	var req associateImagesRequest
	if err := decodeAssociateImagesBody(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	updated := 0
	for _, repo := range req.ImageRepos {
		images, err := s.deps.Store.ListDeployedImages(u.ID)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.Fatal, "list deployed images", err))
			return
		}
		for _, img := range images {
			if img.ImageRepo != repo {
				continue
			}
			img.RepositoryTokenID = tok.ID
			if _, err := s.deps.Store.UpsertDeployedImage(img); err != nil {
				writeError(w, apperr.Wrap(apperr.Fatal, "associate image", err))
				return
			}
			updated++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}
