package compose

import "testing"

func TestFingerprint_StableAcrossRenders(t *testing.T) {
	s := loadSpec(t, renderStack)

	first, err := Render(s)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := Render(s)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	a, err := Fingerprint(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Fingerprint(second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected rendering to be deterministic")
	}
}

func TestFingerprint_DifferentInputs(t *testing.T) {
	first, err := Fingerprint([]byte("services: {a: {image: one}}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Fingerprint([]byte("services: {a: {image: two}}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected different fingerprints")
	}
}

func TestFingerprint_RejectsEmpty(t *testing.T) {
	if _, err := Fingerprint(nil); err == nil {
		t.Fatalf("expected error for empty body")
	}
}
