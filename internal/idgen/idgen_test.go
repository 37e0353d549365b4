package idgen

import (
	"strings"
	"testing"
)

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 36 {
			t.Fatalf("expected 36 chars, got %d (%s)", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("trd_")
	if !strings.HasPrefix(id, "trd_") {
		t.Errorf("expected trd_ prefix, got %s", id)
	}
	if len(id) != len("trd_")+32 {
		t.Errorf("unexpected length %d", len(id))
	}
	if strings.Contains(id, "-") {
		t.Errorf("prefixed ids should not contain dashes: %s", id)
	}
}
