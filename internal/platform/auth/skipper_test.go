package auth

import "testing"

func TestIsPublicPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/healthz", true},
		{"/api/v1/healthz", true},
		{"/health/db", true},
		{"/docs/openapi.json", true},
		{"/api/v1/docs", true},
		{"/api/v1/workshifts", false},
		{"/api/v1/workshifts/:id", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPublicPath(tt.path); got != tt.want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
