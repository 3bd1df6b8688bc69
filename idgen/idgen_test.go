package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7_FormatAndVersion(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 {
		t.Fatalf("len = %d, want 36", len(id))
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("expected 5 parts in %q", id)
	}
	// Version nibble is the first char of the third group.
	if id[14] != '7' {
		t.Fatalf("version nibble = %c, want 7", id[14])
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("uuid.Parse(%q): %v", id, err)
	}
}

func TestUUIDv7_Uniqueness(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate at %d: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("ofr_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "ofr_") {
		t.Fatalf("id %q missing prefix", id)
	}
	if len(id) != len("ofr_")+36 {
		t.Fatalf("len = %d", len(id))
	}
}

func TestSequence_Concurrent(t *testing.T) {
	gen := Sequence("r")
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := gen()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 400 {
		t.Fatalf("got %d ids, want 400", len(seen))
	}
}
