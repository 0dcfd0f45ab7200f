package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDPrefixesUUID(t *testing.T) {
	id := NewID("doc")
	if !strings.HasPrefix(id, "doc_") {
		t.Fatalf("expected doc_ prefix, got %s", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "doc_")); err != nil {
		t.Fatalf("expected uuid suffix: %v", err)
	}
	if NewID("doc") == id {
		t.Fatal("expected unique ids")
	}
}

func TestNewIDWithoutPrefix(t *testing.T) {
	if _, err := uuid.Parse(NewID("")); err != nil {
		t.Fatalf("expected bare uuid: %v", err)
	}
}
