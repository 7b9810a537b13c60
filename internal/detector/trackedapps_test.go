package detector

import "testing"

func TestSplitImageTag(t *testing.T) {
	tests := []struct {
		input    string
		wantRepo string
		wantTag  string
	}{
		{"nginx", "nginx", "latest"},
		{"nginx:1.25", "nginx", "1.25"},
		{"ghcr.io/owner/repo:v2", "ghcr.io/owner/repo", "v2"},
		{"ghcr.io/owner/repo", "ghcr.io/owner/repo", "latest"},
		{"registry.example.com:5000/app:latest", "registry.example.com:5000/app", "latest"},
		{"registry.example.com:5000/app", "registry.example.com:5000/app", "latest"},
		{"nginx@sha256:abcdef", "nginx", "latest"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			repo, tag := SplitImageTag(tt.input)
			if repo != tt.wantRepo || tag != tt.wantTag {
				t.Errorf("SplitImageTag(%q) = (%q, %q), want (%q, %q)", tt.input, repo, tag, tt.wantRepo, tt.wantTag)
			}
		})
	}
}
