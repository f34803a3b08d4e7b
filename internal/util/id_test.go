package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDIsUUID(t *testing.T) {
	id := NewID("")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("NewID() = %q is not a uuid: %v", id, err)
	}
	if NewID("") == id {
		t.Fatal("expected distinct ids")
	}
}

func TestNewIDPrefix(t *testing.T) {
	id := NewID("lead")
	if !strings.HasPrefix(id, "lead_") {
		t.Fatalf("NewID(lead) = %q, want lead_ prefix", id)
	}
}
