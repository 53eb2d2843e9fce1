package processor

import (
	"time"

	"github.com/ammario/tlru"
	"github.com/google/uuid"
)

const (
	// DedupTTL is how long a processed event identifier stays in the recent
	// cache. It must outlive the queue retention window: an event whose queue
	// row was purged can then still be recognized on a late resend instead of
	// being aggregated twice.
	DedupTTL = 48 * time.Hour

	// DefaultDedupSize bounds the cache entry count.
	DefaultDedupSize = 1 << 20
)

// Deduper remembers recently aggregated event identifiers. Seen reports
// whether an identifier was already folded into the rollups; Mark records
// one after its claim transaction commits. Marking only after commit keeps
// a rolled-back batch retryable. Implementations must be safe for
// concurrent use by the partition workers.
type Deduper interface {
	Seen(id uuid.UUID) bool
	Mark(id uuid.UUID)
}

// tlruDeduper is the production Deduper: a time-aware LRU bounded by entry
// count, every entry carrying the same TTL.
type tlruDeduper struct {
	cache *tlru.Cache[uuid.UUID, struct{}]
	ttl   time.Duration
}

// NewDeduper returns a Deduper backed by a bounded 48 hour cache.
func NewDeduper() Deduper {
	return &tlruDeduper{
		cache: tlru.New[uuid.UUID](tlru.ConstantCost[struct{}], DefaultDedupSize),
		ttl:   DedupTTL,
	}
}

func (d *tlruDeduper) Seen(id uuid.UUID) bool {
	_, _, ok := d.cache.Get(id)
	return ok
}

func (d *tlruDeduper) Mark(id uuid.UUID) {
	d.cache.Set(id, struct{}{}, d.ttl)
}
