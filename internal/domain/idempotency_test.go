package domain

import "testing"

func TestIdempotencyStatusValid(t *testing.T) {
	tests := []struct {
		name   string
		status IdempotencyStatus
		want   bool
	}{
		{name: "processing", status: IdempotencyStatusProcessing, want: true},
		{name: "done", status: IdempotencyStatusDone, want: true},
		{name: "failed", status: IdempotencyStatusFailed, want: true},
		{name: "invalid", status: IdempotencyStatus("broken"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.status.Valid(); got != tc.want {
				t.Fatalf("status %q valid=%v, want %v", tc.status, got, tc.want)
			}
		})
	}
}

func TestHashRequest(t *testing.T) {
	base := HashRequest("POST", "/orders", []byte(`{"a":1}`))
	if base != HashRequest("POST", "/orders", []byte(`{"a":1}`)) {
		t.Fatal("hash must be deterministic")
	}
	if base == HashRequest("POST", "/orders", []byte(`{"a":2}`)) {
		t.Fatal("different bodies must produce different hashes")
	}
	if base == HashRequest("POST", "/media", []byte(`{"a":1}`)) {
		t.Fatal("different paths must produce different hashes")
	}
}

func TestScopedIdempotencyKey(t *testing.T) {
	if ScopedIdempotencyKey("u1", "k") == ScopedIdempotencyKey("u2", "k") {
		t.Fatal("keys of different users must not collide")
	}
}
