package version

import "testing"

func TestResolveUnstampedBinary(t *testing.T) {
	if got := Resolve().Version; got != "dev" {
		t.Fatalf("Version = %q, want %q", got, "dev")
	}
}

func TestStringShortensCommit(t *testing.T) {
	Version, Commit = "1.2.3", "0123456789abcdef0123"
	defer func() { Version, Commit = "", "" }()

	if got, want := String(), "1.2.3 (0123456789ab)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
