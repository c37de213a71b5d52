package ids

import (
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewIsOrderedAndUnique(t *testing.T) {
	prev := ""
	for i := 0; i < 1000; i++ {
		id := New()
		if _, err := ulid.ParseStrict(id); err != nil {
			t.Fatalf("ParseStrict(%q): %v", id, err)
		}
		if id <= prev {
			t.Fatalf("id %q not strictly greater than %q", id, prev)
		}
		prev = id
	}
}
