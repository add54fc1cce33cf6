package version

import "testing"

func TestFullVersion(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	tests := []struct {
		version string
		want    string
	}{
		{"dev", "mtrng development build"},
		{"v0.3.0", "mtrng v0.3.0 (commit: unknown, built: unknown)"},
	}
	for _, tt := range tests {
		Version = tt.version
		if got := FullVersion(); got != tt.want {
			t.Errorf("FullVersion() = %q, want %q", got, tt.want)
		}
	}
}
