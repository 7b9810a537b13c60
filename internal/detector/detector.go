// Package detector resolves the upstream state of every image a user has
// deployed and decides which of them need an upgrade.
package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/registry"
	"github.com/portguard/portguard/internal/store"
	"golang.org/x/sync/errgroup"
)

// maxParallelResolves bounds registry resolution fan-out, matching the
// fixed-size worker pool the rest of the system uses for outbound calls.
const maxParallelResolves = 8

// ComputeHasUpdate is the sole definition of "needs update" anywhere in the
// system. It is evaluated at query time from persisted digests, never
// cached, and every other package that needs this answer calls here instead
// of re-deriving it.
func ComputeHasUpdate(currentDigest, latestDigest string) bool {
	if currentDigest == "" || latestDigest == "" {
		return false
	}
	return registry.NormalizeDigest(currentDigest) != registry.NormalizeDigest(latestDigest)
}

// CredentialSource supplies a user's registry credentials. Rate limits are
// tracked separately by the Detector's RateLimitTracker.
type CredentialSource interface {
	GetRegistryCredentials(userID string) ([]registry.RegistryCredential, error)
}

// ghcrAlternativeCacheTTL bounds how long a "no GHCR equivalent" or "found
// on GHCR" answer is trusted before resolveLatest checks again.
const ghcrAlternativeCacheTTL = 6 * time.Hour

// Detector resolves upstream versions for a user's deployed images and
// persists the result.
type Detector struct {
	store *store.Store
	creds CredentialSource
	rate  *registry.RateLimitTracker
	log   *logging.Logger
	ghcr  *registry.GHCRCache
}

// New creates a Detector, restoring any previously persisted GHCR
// alternative-check cache so a process restart doesn't immediately re-probe
// every Docker Hub image that already has a known answer.
func New(s *store.Store, creds CredentialSource, rate *registry.RateLimitTracker, log *logging.Logger) *Detector {
	ghcr := registry.NewGHCRCache(ghcrAlternativeCacheTTL)
	if data, err := s.LoadGHCRCache(); err == nil && data != nil {
		if err := ghcr.Import(data); err != nil {
			log.Warn("detector: failed to parse persisted ghcr cache", "error", err)
		}
	}
	return &Detector{store: s, creds: creds, rate: rate, log: log, ghcr: ghcr}
}

// RateTracker exposes the underlying per-registry rate limit tracker so the
// web layer can surface registry health (internal/registry.RateLimitTracker's
// Status/OverallHealth) without duplicating rate-limit bookkeeping.
func (d *Detector) RateTracker() *registry.RateLimitTracker {
	return d.rate
}

// RateLimited reports whether host is currently rate-limited, letting a
// caller outside the batch run (the manual "upgrade now" API path) surface
// the same apperr.RateLimit condition resolveLatest enforces.
func (d *Detector) RateLimited(host string) (limited bool, retryAfter time.Duration) {
	if d.rate == nil {
		return false, 0
	}
	ok, wait := d.rate.CanProceed(host, 1)
	return !ok, wait
}

// RunResult summarises one batch pass over a user's deployed images.
type RunResult struct {
	Checked      int
	Transitioned []TransitionedImage
	Errors       []error
}

// TransitionedImage is a deployed image whose hasUpdate status flipped
// false->true during this run, the trigger for an "auto-update-detected"
// notification event.
type TransitionedImage struct {
	ImageRepo    string
	ImageTag     string
	LatestDigest string
}

// Run implements the detector's batch entry point (spec step list):
// read every deployed image coordinate for the user, resolve each one's
// latest upstream digest/version in bounded parallel fan-out, upsert the
// result, then report which images just started needing an update.
func (d *Detector) Run(ctx context.Context, userID string) (*RunResult, error) {
	images, err := d.store.ListDeployedImages(userID)
	if err != nil {
		return nil, fmt.Errorf("list deployed images: %w", err)
	}

	creds, err := d.creds.GetRegistryCredentials(userID)
	if err != nil {
		d.log.Warn("detector: failed to load registry credentials", "user", userID, "error", err)
		creds = nil
	}

	result := &RunResult{}
	if len(images) == 0 {
		return result, nil
	}

	type outcome struct {
		before store.RegistryImageVersion
		after  *store.RegistryImageVersion
		err    error
	}
	outcomes := make([]outcome, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelResolves)

	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			before, _ := d.store.GetRegistryImageVersion(userID, img.ImageRepo, img.ImageTag)

			resolved, rerr := d.resolveLatest(gctx, userID, img, creds)
			if rerr != nil {
				d.log.Warn("detector: resolve failed", "user", userID, "image", img.ImageRepo, "tag", img.ImageTag, "error", rerr)
				outcomes[i] = outcome{err: rerr}
				if before != nil {
					outcomes[i].before = *before
				}
				return nil // a single image's failure never aborts the batch
			}

			saved, uerr := d.store.UpsertRegistryImageVersion(*resolved)
			if uerr != nil {
				outcomes[i] = outcome{err: fmt.Errorf("persist %s:%s: %w", img.ImageRepo, img.ImageTag, uerr)}
				return nil
			}

			o := outcome{after: saved}
			if before != nil {
				o.before = *before
			}
			outcomes[i] = o
			return nil
		})
	}
	// errgroup with SetLimit never returns a non-nil error here since every
	// g.Go func above swallows its own error into the outcomes slice.
	_ = g.Wait()

	for i, o := range outcomes {
		result.Checked++
		if o.err != nil {
			result.Errors = append(result.Errors, o.err)
			continue
		}
		if o.after == nil {
			continue
		}
		wasUpdate := ComputeHasUpdate(images[i].ImageDigest, o.before.LatestDigest)
		isUpdate := ComputeHasUpdate(images[i].ImageDigest, o.after.LatestDigest)
		if !wasUpdate && isUpdate {
			result.Transitioned = append(result.Transitioned, TransitionedImage{
				ImageRepo:    o.after.ImageRepo,
				ImageTag:     o.after.Tag,
				LatestDigest: o.after.LatestDigest,
			})
		}
	}

	if data, err := d.ghcr.Export(); err == nil {
		if serr := d.store.SaveGHCRCache(data); serr != nil {
			d.log.Warn("detector: failed to persist ghcr cache", "error", serr)
		}
	}

	return result, nil
}

// ghcrAlternative checks (and caches) whether a Docker Hub image missing its
// tag has a digest-matching copy on GHCR, a fallback worth surfacing when a
// tag the user depends on was retagged, removed, or is rate-limited away on
// Docker Hub.
func (d *Detector) ghcrAlternative(ctx context.Context, imageRepo string, creds []registry.RegistryCredential) *registry.GHCRAlternative {
	tag := registry.ExtractTag(imageRepo)
	if tag == "" {
		tag = "latest"
	}
	repo := registry.RepoPath(imageRepo)
	if cached, ok := d.ghcr.Get(repo, tag); ok {
		return cached
	}

	hubCred := registry.FindByRegistry(creds, "docker.io")
	ghcrCred := registry.FindByRegistry(creds, "ghcr.io")
	alt, err := registry.CheckGHCRAlternative(ctx, imageRepo, hubCred, ghcrCred)
	if err != nil || alt == nil {
		return nil
	}
	d.ghcr.Set(repo, tag, *alt)
	return alt
}

// resolveLatest picks a registry client by examining the image repo's
// registry host and performs the manifest lookup, returning the row ready
// to upsert. A resolver that cannot reach the registry returns an error and
// the caller skips the upsert — the existing row, if any, is left
// untouched so a transient outage never overwrites a known-good digest.
func (d *Detector) resolveLatest(ctx context.Context, userID string, img store.DeployedImage, creds []registry.RegistryCredential) (*store.RegistryImageVersion, error) {
	host := registry.RegistryHost(img.ImageRepo)
	repo := registry.RepoPath(img.ImageRepo)
	cred := registry.FindByRegistry(creds, host)

	if d.rate != nil {
		if ok, wait := d.rate.CanProceed(host, 1); !ok {
			return nil, apperr.New(apperr.RateLimit, fmt.Sprintf("rate limited on %s, retry in %s", host, wait))
		}
	}

	token, err := registry.FetchToken(ctx, repo, cred, host)
	if err != nil {
		return nil, fmt.Errorf("fetch token for %s: %w", repo, err)
	}

	digest, headers, err := registry.ManifestDigest(ctx, repo, img.ImageTag, token, host, cred)
	if d.rate != nil && headers != nil {
		d.rate.Record(host, headers)
	}

	switch {
	case err == nil:
		// fall through to persist the resolved digest below.
	case registry.IsNotFound(err):
		// spec.md §7: UpstreamNotFound is a data state, not an error — the
		// registry was reachable and said the tag doesn't exist.
		riv := &store.RegistryImageVersion{
			UserID:           userID,
			ImageRepo:        img.ImageRepo,
			Registry:         host,
			Repository:       repo,
			Tag:              img.ImageTag,
			ExistsInRegistry: false,
			LastChecked:      time.Now(),
		}
		if alt := d.ghcrAlternative(ctx, img.ImageRepo, creds); alt != nil && alt.Available {
			riv.GHCRAlternativeImage = alt.GHCRImage + ":" + alt.Tag
		}
		return riv, nil
	case errors.Is(err, registry.ErrNoDigestHeader):
		// spec.md §8: reachable and tagged, but the registry didn't answer
		// with a digest — "checked, unknown", distinct from "never checked".
		return &store.RegistryImageVersion{
			UserID:           userID,
			ImageRepo:        img.ImageRepo,
			Registry:         host,
			Repository:       repo,
			Tag:              img.ImageTag,
			NoDigest:         true,
			ExistsInRegistry: true,
			LastChecked:      time.Now(),
		}, nil
	default:
		// UpstreamAuthError or a still-transient failure after retries
		// exhausted: leave the existing row untouched rather than overwrite
		// a known-good digest with an outage.
		return nil, fmt.Errorf("manifest digest for %s:%s: %w", repo, img.ImageTag, err)
	}

	riv := &store.RegistryImageVersion{
		UserID:           userID,
		ImageRepo:        img.ImageRepo,
		Registry:         host,
		Repository:       repo,
		Tag:              img.ImageTag,
		LatestDigest:     digest,
		NoDigest:         digest == "",
		ExistsInRegistry: digest != "",
		LastChecked:      time.Now(),
	}

	tagsResult, tagsErr := registry.ListTags(ctx, img.ImageRepo, token, host, cred)
	if tagsErr == nil {
		currentVersion, targetVersion := registry.ResolveVersions(ctx, img.ImageRepo, img.ImageDigest, digest, tagsResult.Tags, token, host, cred, d.rate)
		if targetVersion != "" {
			riv.LatestVersion = targetVersion
		} else if currentVersion != "" {
			riv.LatestVersion = currentVersion
		}
	}

	if d.versionIgnored(userID, img.ImageRepo, riv.LatestVersion) {
		// A user snoozed this exact version: report the image as still on
		// its current digest rather than surfacing the suppressed update.
		riv.LatestDigest = img.ImageDigest
	}

	if riv.LatestVersion != "" {
		if info := d.releaseNotes(ctx, img.ImageRepo, riv.LatestVersion); info != nil {
			riv.ReleaseNotesURL = info.URL
			riv.ReleaseNotesBody = info.Body
		}
	}

	return riv, nil
}

// versionIgnored reports whether userID has snoozed version for imageRepo via
// AddIgnoredVersion, suppressing a known update the user has chosen to defer.
func (d *Detector) versionIgnored(userID, imageRepo, version string) bool {
	if version == "" {
		return false
	}
	ignored, err := d.store.GetIgnoredVersions(userID, imageRepo)
	if err != nil {
		d.log.Warn("detector: failed to load ignored versions", "image", imageRepo, "error", err)
		return false
	}
	for _, v := range ignored {
		if v == version {
			return true
		}
	}
	return false
}

// releaseNotes resolves GitHub release notes for imageRepo's newly resolved
// version via the configured release sources, falling back to the built-in
// registry mappings. A lookup failure or unmapped image is silent — release
// notes are informational, never load-bearing for hasUpdate.
func (d *Detector) releaseNotes(ctx context.Context, imageRepo, version string) *registry.ReleaseInfo {
	sources, err := d.store.GetReleaseSources()
	if err != nil {
		d.log.Warn("detector: failed to load release sources", "error", err)
		sources = nil
	}
	return registry.FetchReleaseNotesWithSources(ctx, imageRepo, version, sources)
}
