package sha256

import "testing"

func TestHasherIsStable(t *testing.T) {
	t.Parallel()

	h := New()
	a := h.Hash([]byte(`{"title":"x"}`))
	b := h.Hash([]byte(`{"title":"x"}`))
	if a != b {
		t.Fatalf("expected identical digests, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if h.Hash([]byte(`{"title":"y"}`)) == a {
		t.Fatal("expected different input to change digest")
	}
}
