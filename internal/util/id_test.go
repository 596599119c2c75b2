package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	id := NewID("item")
	if !strings.HasPrefix(id, "item_") {
		t.Fatalf("expected item_ prefix, got %q", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "item_")); err != nil {
		t.Fatalf("suffix is not a uuid: %v", err)
	}
	if NewID("item") == id {
		t.Fatal("expected distinct ids")
	}
	if _, err := uuid.Parse(NewID("")); err != nil {
		t.Fatalf("bare id is not a uuid: %v", err)
	}
}
