package web

import (
	"io"
	"net/http"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/webhook"
)

// apiInboundWebhook is the registered-repository trigger from SPEC_FULL.md
// §4.8: an external registry (Docker Hub, GHCR, or a generic CI pipeline)
// pushes a payload here to request an immediate detector pass instead of
// waiting for the next batch tick. {tokenId} identifies the
// RepositoryAccessToken that was shared with the registry when the webhook
// was registered, which is how the owning user is resolved without a
// session — there is no other credential on this route.
func (s *Server) apiInboundWebhook(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("tokenId")
	tok, err := s.deps.Store.FindRepositoryAccessTokenByID(tokenID)
	if err != nil || tok == nil {
		writeError(w, apperr.Wrap(apperr.UpstreamAuth, "unknown webhook token", err))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "read request body", err))
		return
	}
	payload, err := webhook.Parse(body)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid webhook payload", err))
		return
	}

	ctx, cancel := reqCtx(r)
	defer cancel()

	if _, err := s.deps.Detector.Run(ctx, tok.UserID); err != nil {
		writeError(w, apperr.Wrap(apperr.UpstreamTransient, "detector run failed", err))
		return
	}
	s.deps.Cache.Invalidate(tok.UserID)

	writeJSON(w, http.StatusOK, map[string]string{
		"image":  payload.Image,
		"tag":    payload.Tag,
		"source": payload.Source,
	})
}
