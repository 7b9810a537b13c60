package web

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/store"
)

// maskInstance hides secret fields before a PortainerInstance is returned
// to the client, mirroring the credential-masking convention used
// elsewhere in this API (registry credentials, repository tokens).
func maskInstance(inst store.PortainerInstance) store.PortainerInstance {
	if inst.Password != "" {
		inst.Password = "****"
	}
	if inst.APIKey != "" {
		inst.APIKey = "****"
	}
	return inst
}

func (s *Server) apiListPortainerInstances(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	instances, err := s.deps.Store.ListPortainerInstances(u.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list portainer instances", err))
		return
	}
	out := make([]store.PortainerInstance, len(instances))
	for i, inst := range instances {
		out[i] = maskInstance(inst)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiCreatePortainerInstance(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var inst store.PortainerInstance
	if err := decodeJSON(r, &inst); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if err := validatePortainerInstance(inst); err != nil {
		writeError(w, err)
		return
	}
	inst.ID = uuid.NewString()
	inst.UserID = u.ID
	if err := s.deps.Store.CreatePortainerInstance(inst); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "create portainer instance", err))
		return
	}
	writeJSON(w, http.StatusOK, maskInstance(inst))
}

func validatePortainerInstance(inst store.PortainerInstance) error {
	if inst.Name == "" {
		return apperr.New(apperr.Validation, "name is required")
	}
	if inst.URL == "" {
		return apperr.New(apperr.Validation, "url is required")
	}
	switch inst.AuthType {
	case "password":
		if inst.Username == "" || inst.Password == "" {
			return apperr.New(apperr.Validation, "username and password are required for authType=password")
		}
	case "apikey":
		if inst.APIKey == "" {
			return apperr.New(apperr.Validation, "apiKey is required for authType=apikey")
		}
	default:
		return apperr.New(apperr.Validation, "authType must be password or apikey")
	}
	return nil
}

func (s *Server) apiUpdatePortainerInstance(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	existing, err := s.deps.Store.GetPortainerInstance(u.ID, id)
	if err != nil || existing == nil {
		writeError(w, apperr.Wrap(apperr.Validation, "portainer instance not found", err))
		return
	}
	var inst store.PortainerInstance
	if err := decodeJSON(r, &inst); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	inst.ID = id
	inst.UserID = u.ID
	// A masked secret in the request body means "keep the stored value".
	if inst.Password == "****" {
		inst.Password = existing.Password
	}
	if inst.APIKey == "****" {
		inst.APIKey = existing.APIKey
	}
	if err := validatePortainerInstance(inst); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.UpdatePortainerInstance(inst); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "update portainer instance", err))
		return
	}
	s.deps.Cache.Invalidate(u.ID)
	writeJSON(w, http.StatusOK, maskInstance(inst))
}

func (s *Server) apiDeletePortainerInstance(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	if err := s.deps.Store.DeletePortainerInstance(u.ID, id); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "delete portainer instance", err))
		return
	}
	s.deps.Cache.Invalidate(u.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
