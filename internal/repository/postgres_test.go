package repository

import (
	"encoding/json"
	"testing"

	"github.com/expertshub/payment-relay/internal/model"
)

func TestEncodeMetadata_RoundTrip(t *testing.T) {
	in := model.Metadata{
		"project_id": float64(42),
		"internal":   true,
		"note":       "escrow hold",
	}

	raw, err := encodeMetadata(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out model.Metadata
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out["project_id"] != float64(42) {
		t.Errorf("project_id = %v, want 42", out["project_id"])
	}
	if out["internal"] != true {
		t.Errorf("internal flag lost: %v", out["internal"])
	}
	if out["note"] != "escrow hold" {
		t.Errorf("note = %v", out["note"])
	}
}

func TestEncodeMetadata_NilStaysNil(t *testing.T) {
	raw, err := encodeMetadata(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil for empty metadata, got %q", raw)
	}
}

func TestJoinClauses(t *testing.T) {
	tests := []struct {
		name    string
		clauses []string
		want    string
	}{
		{name: "empty", clauses: nil, want: ""},
		{name: "single", clauses: []string{"email = $1"}, want: "email = $1"},
		{name: "several", clauses: []string{"email = $1", "first_name = $2"}, want: "email = $1, first_name = $2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := joinClauses(tt.clauses); got != tt.want {
				t.Errorf("joinClauses() = %q, want %q", got, tt.want)
			}
		})
	}
}
