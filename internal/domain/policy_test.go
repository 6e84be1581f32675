package domain

import "testing"

func TestParsePolicy(t *testing.T) {
	valid := map[string]Policy{
		"never":   PolicyNever,
		"on_view": PolicyOnView,
		" Timed ": PolicyTimed,
		"ON_VIEW": PolicyOnView,
	}
	for in, want := range valid {
		got, err := ParsePolicy(in)
		if err != nil {
			t.Fatalf("ParsePolicy(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParsePolicy(%q) = %q, want %q", in, got, want)
		}
	}
	for _, in := range []string{"", "once", "on-view", "forever"} {
		if _, err := ParsePolicy(in); err != ErrInvalidPolicy {
			t.Errorf("expected ErrInvalidPolicy for %q, got %v", in, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(""); err != nil || k != KindMessage {
		t.Fatalf("empty kind should default to message, got %q %v", k, err)
	}
	if k, err := ParseKind("Photo"); err != nil || k != KindPhoto {
		t.Fatalf("expected photo, got %q %v", k, err)
	}
	if _, err := ParseKind("video"); err != ErrInvalidKind {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}
