package monitor

import (
	"errors"

	"github.com/srg/gattmon/internal/gatt"
)

// Registry errors surfaced by append.
var (
	// ErrRegistryFull means the registry reached its configured bound;
	// growth stops but already-discovered records stay intact.
	ErrRegistryFull = errors.New("characteristic registry is full")

	// ErrDuplicateHandle means a record with the same value handle is
	// already present.
	ErrDuplicateHandle = errors.New("duplicate characteristic value handle")
)

// registry is the ordered collection of discovered characteristics plus the
// cursor tracking which record the pipeline is processing. Insertion order is
// server-reported discovery order. Only the discovery stage and clear mutate
// it; the notification sink reads via lookup only.
type registry struct {
	recs    []gatt.Characteristic
	byValue map[gatt.Handle]int // value handle → index into recs
	cursor  int
}

func newRegistry() *registry {
	return &registry{byValue: make(map[gatt.Handle]int)}
}

// append adds a record at the end, preserving discovery order. limit bounds
// the registry size; appends past it fail with ErrRegistryFull.
func (r *registry) append(c gatt.Characteristic, limit int) error {
	if _, dup := r.byValue[c.ValueHandle]; dup {
		return ErrDuplicateHandle
	}
	if limit > 0 && len(r.recs) >= limit {
		return ErrRegistryFull
	}
	r.byValue[c.ValueHandle] = len(r.recs)
	r.recs = append(r.recs, c)
	return nil
}

// clear releases every record and resets the cursor.
func (r *registry) clear() {
	r.recs = nil
	r.byValue = make(map[gatt.Handle]int)
	r.cursor = 0
}

// reset rewinds the cursor to the first record without touching contents.
func (r *registry) reset() {
	r.cursor = 0
}

// current returns the record under the cursor, or ok=false when the registry
// is exhausted (or empty).
func (r *registry) current() (gatt.Characteristic, bool) {
	if r.cursor >= len(r.recs) {
		return gatt.Characteristic{}, false
	}
	return r.recs[r.cursor], true
}

// advance moves the cursor past the current record. Advancing past the last
// record leaves the registry exhausted; the cursor never wraps.
func (r *registry) advance() {
	if r.cursor < len(r.recs) {
		r.cursor++
	}
}

// exhausted reports whether the cursor has visited every record.
func (r *registry) exhausted() bool {
	return r.cursor >= len(r.recs)
}

func (r *registry) len() int {
	return len(r.recs)
}

// lookup finds a record by its value handle.
func (r *registry) lookup(h gatt.Handle) (gatt.Characteristic, bool) {
	i, ok := r.byValue[h]
	if !ok {
		return gatt.Characteristic{}, false
	}
	return r.recs[i], true
}

// all returns a copy of the records in discovery order.
func (r *registry) all() []gatt.Characteristic {
	out := make([]gatt.Characteristic, len(r.recs))
	copy(out, r.recs)
	return out
}
