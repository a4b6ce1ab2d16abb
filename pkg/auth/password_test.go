package auth

import "testing"

func TestHashPasswordIsIdempotentOnAnAlreadyHashedValue(t *testing.T) {
	once := HashPassword("hunter2")
	twice := HashPassword(once)
	if once != twice {
		t.Fatalf("HashPassword is not idempotent: once=%q twice=%q", once, twice)
	}
	if len(once) != 128 {
		t.Fatalf("expected a 128-char hex digest, got len=%d", len(once))
	}
}

func TestHashPasswordDiffersForDifferentInputs(t *testing.T) {
	if HashPassword("a") == HashPassword("b") {
		t.Fatal("distinct passwords hashed to the same digest")
	}
}
