// Package ids mints the identifiers used for audit entries and refresh-token
// records. ULIDs sort by creation time, which keeps the append-only audit
// table readable without a secondary index.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var entropy = struct {
	sync.Mutex
	src *ulid.MonotonicEntropy
}{src: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)}

// New returns a fresh ULID. IDs minted within the same millisecond are
// strictly increasing.
func New() string {
	entropy.Lock()
	defer entropy.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy.src).String()
}
