package internal

import "testing"

func TestHomeServerUrlUnixSocket(t *testing.T) {
	u := HomeServerUrl{"/path/to/socket"}
	if !u.IsUnixSocket() {
		t.Fatalf("IsUnixSocket: got false, want true")
	}
	if got := u.GetUnixSocket(); got != "/path/to/socket" {
		t.Errorf("GetUnixSocket: got %q", got)
	}
	if got := u.GetBaseUrl(); got != "http://unix" {
		t.Errorf("GetBaseUrl: got %q", got)
	}
}

func TestHomeServerUrlHttp(t *testing.T) {
	u := HomeServerUrl{"localhost:8080"}
	if u.IsUnixSocket() {
		t.Fatalf("IsUnixSocket: got true, want false")
	}
	if got := u.GetUnixSocket(); got != "" {
		t.Errorf("GetUnixSocket: got %q, want empty", got)
	}
	if got := u.GetBaseUrl(); got != "localhost:8080" {
		t.Errorf("GetBaseUrl: got %q", got)
	}
}
