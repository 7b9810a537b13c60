package detector

import "testing"

func TestComputeHasUpdate(t *testing.T) {
	tests := []struct {
		name    string
		current string
		latest  string
		want    bool
	}{
		{"identical digests", "sha256:abc", "sha256:abc", false},
		{"different digests", "sha256:abc", "sha256:def", true},
		{"repo-prefixed current matches bare latest", "docker.io/library/nginx@sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4", "sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4", false},
		{"empty current", "", "sha256:abc", false},
		{"empty latest", "sha256:abc", "", false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeHasUpdate(tt.current, tt.latest); got != tt.want {
				t.Errorf("ComputeHasUpdate(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
			}
		})
	}
}
