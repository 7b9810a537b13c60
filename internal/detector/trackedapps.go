package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/portguard/portguard/internal/registry"
	"github.com/portguard/portguard/internal/store"
)

// TrackedAppResult summarises one batch pass over a user's tracked apps,
// mirroring RunResult's shape for the deployed-image checker.
type TrackedAppResult struct {
	Checked      int
	Transitioned []TransitionedApp
	Errors       []error
}

// TransitionedApp is a tracked app whose hasUpdate flipped false->true
// during this run, the trigger for a "tracked-app-update" notification.
type TransitionedApp struct {
	App        store.TrackedApp
	OldVersion string
	OldDigest  string
}

// RunTrackedApps implements the "tracked-apps-check" batch job from
// spec.md §4.6: for every tracked app, resolve the latest upstream state
// via the appropriate C2 client (Docker registry digest for
// sourceType=docker, GitHub/GitLab Releases for sourceType=github/gitlab),
// persist the result, append an upgrade-history row when the latest
// version or digest changed, and report which apps just started needing
// an update.
func (d *Detector) RunTrackedApps(ctx context.Context, userID string) (*TrackedAppResult, error) {
	apps, err := d.store.ListTrackedApps(userID)
	if err != nil {
		return nil, fmt.Errorf("list tracked apps: %w", err)
	}

	result := &TrackedAppResult{}
	for _, app := range apps {
		result.Checked++

		token := d.repositoryToken(userID, app.RepositoryTokenID)

		var resolveErr error
		updated := app
		updated.LastChecked = time.Now()

		switch app.SourceType {
		case "docker":
			resolveErr = d.resolveTrackedAppDocker(ctx, &updated, token)
		case "github":
			resolveErr = d.resolveTrackedAppGitHub(ctx, &updated, token)
		case "gitlab":
			resolveErr = d.resolveTrackedAppGitLab(ctx, &updated, token)
		default:
			resolveErr = fmt.Errorf("tracked app %s: unknown sourceType %q", app.ID, app.SourceType)
		}

		if resolveErr != nil {
			d.log.Warn("detector: tracked app resolve failed", "user", userID, "app", app.Name, "error", resolveErr)
			result.Errors = append(result.Errors, resolveErr)
			continue
		}

		wasUpdate := app.HasUpdate
		saved, uerr := d.store.UpsertTrackedApp(updated)
		if uerr != nil {
			result.Errors = append(result.Errors, fmt.Errorf("persist tracked app %s: %w", app.Name, uerr))
			continue
		}

		if !wasUpdate && saved.HasUpdate {
			result.Transitioned = append(result.Transitioned, TransitionedApp{App: *saved, OldVersion: app.CurrentVersion, OldDigest: app.CurrentDigest})
		}

		if saved.LatestVersion != app.LatestVersion || saved.LatestDigest != app.LatestDigest {
			_ = d.store.AppendTrackedAppUpgradeRecord(store.TrackedAppUpgradeRecord{
				ID:           fmt.Sprintf("tar-%s-%d", saved.ID, updated.LastChecked.UnixNano()),
				UserID:       userID,
				TrackedAppID: saved.ID,
				Timestamp:    updated.LastChecked,
				OldVersion:   app.CurrentVersion,
				NewVersion:   saved.LatestVersion,
				OldDigest:    app.CurrentDigest,
				NewDigest:    saved.LatestDigest,
				Outcome:      "detected",
			})
		}
	}

	return result, nil
}

// repositoryToken resolves the raw access token string for a tracked app's
// optional RepositoryTokenID, tolerating a missing or deleted token (the
// app falls back to unauthenticated access, the same degrade-gracefully
// behaviour the registry clients use when no credential is configured).
func (d *Detector) repositoryToken(userID, tokenID string) string {
	if tokenID == "" {
		return ""
	}
	tok, err := d.store.GetRepositoryAccessToken(userID, tokenID)
	if err != nil || tok == nil {
		return ""
	}
	return tok.AccessToken
}

// resolveTrackedAppDocker resolves the latest digest for a tracked app's
// bare image coordinate the same way a deployed image is resolved (C2's
// Docker Hub/GHCR/GitLab Container Registry manifest lookup), since a
// tracked app with sourceType=docker watches an image nobody currently
// runs as a container.
func (d *Detector) resolveTrackedAppDocker(ctx context.Context, app *store.TrackedApp, token string) error {
	repoRef, tag := SplitImageTag(app.ImageName)
	host := registry.RegistryHost(repoRef)
	repo := registry.RepoPath(repoRef)

	var cred *registry.RegistryCredential
	if token != "" {
		cred = &registry.RegistryCredential{Registry: host, Secret: token}
	}

	if d.rate != nil {
		if ok, wait := d.rate.CanProceed(host, 1); !ok {
			return fmt.Errorf("rate limited on %s, retry in %s", host, wait)
		}
	}

	bearer, err := registry.FetchToken(ctx, repo, cred, host)
	if err != nil {
		return fmt.Errorf("fetch token for %s: %w", repo, err)
	}

	digest, headers, err := registry.ManifestDigest(ctx, repo, tag, bearer, host, cred)
	if d.rate != nil && headers != nil {
		d.rate.Record(host, headers)
	}
	if err != nil && !registry.IsNotFound(err) && !errors.Is(err, registry.ErrNoDigestHeader) {
		return fmt.Errorf("manifest digest for %s:%s: %w", repo, tag, err)
	}

	app.LatestDigest = digest
	app.HasUpdate = ComputeHasUpdate(app.CurrentDigest, app.LatestDigest)
	return nil
}

// resolveTrackedAppGitHub resolves the latest published release for a
// tracked app's watched GitHub repository (spec.md §6.2's Releases API).
func (d *Detector) resolveTrackedAppGitHub(ctx context.Context, app *store.TrackedApp, token string) error {
	rel, err := registry.FetchLatestGitHubRelease(ctx, app.GithubRepo, token)
	if err != nil {
		return fmt.Errorf("fetch latest github release for %s: %w", app.GithubRepo, err)
	}
	if rel == nil {
		return nil
	}
	app.LatestVersion = rel.Tag
	app.LatestVersionPublishDate = rel.PublishedAt
	app.HasUpdate = app.CurrentVersion != "" && app.LatestVersion != "" && app.CurrentVersion != app.LatestVersion
	return nil
}

// resolveTrackedAppGitLab resolves the latest published release for a
// tracked app's watched GitLab project (spec.md §6.2's Releases API).
func (d *Detector) resolveTrackedAppGitLab(ctx context.Context, app *store.TrackedApp, token string) error {
	rel, err := registry.FetchLatestGitLabRelease(ctx, "gitlab.com", app.GithubRepo, token)
	if err != nil {
		return fmt.Errorf("fetch latest gitlab release for %s: %w", app.GithubRepo, err)
	}
	if rel == nil {
		return nil
	}
	app.LatestVersion = rel.Tag
	app.LatestVersionPublishDate = rel.PublishedAt
	app.HasUpdate = app.CurrentVersion != "" && app.LatestVersion != "" && app.CurrentVersion != app.LatestVersion
	return nil
}

// SplitImageTag separates a bare image coordinate into its repo and tag,
// defaulting to "latest" the same way Docker itself does when an image
// reference carries no explicit tag. Shared by tracked-app resolution and
// the container cache's first-sight DeployedImage creation, both of which
// need the un-normalised repo string (e.g. "nginx", not
// distribution/reference's "docker.io/library/nginx") since that is the
// convention store.DeployedImage.ImageRepo and store.TrackedApp.ImageName
// already use.
func SplitImageTag(imageName string) (repo, tag string) {
	repo, tag = imageName, "latest"
	withoutDigest := imageName
	at := -1
	for i := len(withoutDigest) - 1; i >= 0; i-- {
		if withoutDigest[i] == '@' {
			at = i
			break
		}
	}
	if at >= 0 {
		withoutDigest = withoutDigest[:at]
	}
	lastColon, lastSlash := -1, -1
	for i := len(withoutDigest) - 1; i >= 0; i-- {
		if withoutDigest[i] == ':' && lastColon == -1 {
			lastColon = i
		}
		if withoutDigest[i] == '/' && lastSlash == -1 {
			lastSlash = i
		}
	}
	if lastColon > lastSlash {
		return withoutDigest[:lastColon], withoutDigest[lastColon+1:]
	}
	return withoutDigest, "latest"
}
