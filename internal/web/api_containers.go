package web

import (
	"fmt"
	"net/http"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/cache"
	"github.com/portguard/portguard/internal/detector"
	"github.com/portguard/portguard/internal/portainer"
	"github.com/portguard/portguard/internal/registry"
)

// apiListContainers returns the cached merged container view (§4.5) across
// every Portainer instance the user owns, or a single instance when
// ?portainerInstanceId= is given. ?force=true bypasses the in-memory TTL.
func (s *Server) apiListContainers(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	force := r.URL.Query().Get("force") == "true"
	only := r.URL.Query().Get("portainerInstanceId")

	instances, err := s.deps.Store.ListPortainerInstances(u.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list portainer instances", err))
		return
	}

	ctx, cancel := reqCtx(r)
	defer cancel()

	var out []cache.MergedContainer
	for _, inst := range instances {
		if only != "" && inst.ID != only {
			continue
		}
		scanner := scannerFor(inst)
		endpoints, err := scanner.Endpoints(ctx)
		if err != nil {
			// Portainer unreachable for this instance: fall through to the
			// DB-only cache entries still on file for it, per spec.md §4.5
			// "cache failure is non-fatal".
			s.deps.Log.Warn("list containers: endpoints unreachable", "instance", inst.ID, "error", err)
			rows, derr := s.deps.Store.ListContainers(u.ID, inst.ID)
			if derr != nil {
				continue
			}
			seen := make(map[int]bool)
			for _, row := range rows {
				if seen[row.EndpointID] {
					continue
				}
				seen[row.EndpointID] = true
				ep := portainer.Endpoint{ID: row.EndpointID}
				if merged, gerr := s.deps.Cache.Get(ctx, u.ID, inst.ID, scanner, ep, force); gerr == nil {
					out = append(out, merged...)
				}
			}
			continue
		}
		for _, ep := range endpoints {
			merged, err := s.deps.Cache.Get(ctx, u.ID, inst.ID, scanner, ep, force)
			if err != nil {
				s.deps.Log.Warn("list containers: cache get failed", "instance", inst.ID, "endpoint", ep.ID, "error", err)
				continue
			}
			out = append(out, merged...)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// apiUpgradeContainer performs an immediate manual upgrade of one container
// to its currently-resolved latest digest, outside of any Intent. This is
// the "operator clicks upgrade" path distinct from the Intent engine's
// policy-driven upgrades.
func (s *Server) apiUpgradeContainer(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	containerID := r.PathValue("containerId")

	ct, err := s.deps.Store.GetContainer(u.ID, containerID)
	if err != nil || ct == nil {
		writeError(w, apperr.Wrap(apperr.Validation, "container not found", err))
		return
	}
	if ct.DeployedImageID == "" {
		writeError(w, apperr.New(apperr.Validation, "container has no tracked deployed image"))
		return
	}
	img, err := s.deps.Store.GetDeployedImage(u.ID, ct.DeployedImageID)
	if err != nil || img == nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "load deployed image", err))
		return
	}
	riv, err := s.deps.Store.GetRegistryImageVersion(u.ID, img.ImageRepo, img.ImageTag)
	if err != nil || riv == nil || riv.LatestDigest == "" {
		writeError(w, apperr.New(apperr.Validation, "no resolved latest digest for this image"))
		return
	}
	if !detector.ComputeHasUpdate(img.ImageDigest, riv.LatestDigest) {
		writeError(w, apperr.New(apperr.Validation, "container is already up to date"))
		return
	}

	host := registry.RegistryHost(img.ImageRepo)
	if limited, wait := s.deps.Detector.RateLimited(host); limited {
		writeError(w, apperr.New(apperr.RateLimit, fmt.Sprintf("rate limited on %s, retry in %s", host, wait)))
		return
	}

	inst, err := s.deps.Store.GetPortainerInstance(u.ID, ct.PortainerInstanceID)
	if err != nil || inst == nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "load portainer instance", err))
		return
	}

	ctx, cancel := reqCtx(r)
	defer cancel()

	newImage := img.ImageRepo + "@" + riv.LatestDigest
	scanner := scannerFor(*inst)
	if err := scanner.RecreateContainer(ctx, ct.EndpointID, ct.ContainerID, newImage); err != nil {
		writeError(w, apperr.Wrap(apperr.UpstreamTransient, "recreate container", err))
		return
	}

	img.ImageDigest = riv.LatestDigest
	img.ImageTag = img.ImageTag
	if _, err := s.deps.Store.UpsertDeployedImage(*img); err != nil {
		s.deps.Log.Error("upgrade container: upsert deployed image failed", "error", err)
	}
	s.deps.Cache.Invalidate(u.ID)

	writeJSON(w, http.StatusOK, map[string]string{
		"containerId": containerID,
		"newDigest":   riv.LatestDigest,
	})
}
