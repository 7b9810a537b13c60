package registry

import (
	"strings"

	"github.com/distribution/reference"
	digest "github.com/opencontainers/go-digest"
)

// NormalizeDigest returns the canonical, validated digest portion of a
// digest string. Local daemon digests look like
// "docker.io/library/nginx@sha256:abc123..."; registry digests look like
// "sha256:abc123..." already. A value that doesn't validate under
// go-digest's own rules is returned unchanged, so a malformed digest never
// silently compares equal to another malformed one.
func NormalizeDigest(digestStr string) string {
	raw := digestStr
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		raw = raw[i+1:]
	}
	d, err := digest.Parse(raw)
	if err != nil || d.Validate() != nil {
		return digestStr
	}
	return d.String()
}

// digestsMatch compares two digests after canonicalising both with
// NormalizeDigest.
func digestsMatch(local, remote string) bool {
	return NormalizeDigest(local) == NormalizeDigest(remote)
}

// ExtractTag returns the tag portion of an image reference, or "" if the
// reference is bare or digest-pinned (e.g. "nginx@sha256:...").
//
//	"nginx:1.24"           -> "1.24"
//	"ghcr.io/user/repo"    -> ""
//	"nginx@sha256:abc..."  -> ""
func ExtractTag(imageRef string) string {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return ""
	}
	tagged, ok := named.(reference.Tagged)
	if !ok {
		return ""
	}
	return tagged.Tag()
}

// RegistryHost extracts the registry host from an image reference, using
// distribution/reference's own normalisation rules (the same ones the
// Docker CLI and daemon apply) rather than hand-rolled slicing.
//
// Examples:
//
//	"nginx:1.24"                     -> "docker.io"
//	"library/nginx:latest"           -> "docker.io"
//	"ghcr.io/user/repo:tag"          -> "ghcr.io"
//	"hotio.dev/hotio/sonarr:latest"  -> "hotio.dev"
//	"registry-1.docker.io/lib/nginx" -> "docker.io"
//	"lscr.io/linuxserver/sonarr"     -> "lscr.io"
//	"docker.gitea.com/gitea-mcp"     -> "docker.gitea.com"
func RegistryHost(imageRef string) string {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return "docker.io"
	}
	return NormaliseRegistryHost(reference.Domain(named))
}
