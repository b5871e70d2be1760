package fieldcrypt

import (
	"sort"
	"sync"
	"time"
)

// IntegrityStat aggregates undecryptable reads of one (kind, field) pair.
type IntegrityStat struct {
	Kind         string    `json:"kind"`
	Field        string    `json:"field"`
	Count        int64     `json:"count"`
	LastRecordID string    `json:"lastRecordId"`
	LastError    string    `json:"lastError"`
	LastSeen     time.Time `json:"lastSeen"`
}

// IntegrityTracker collects data-integrity events from safe reads so they
// can be surfaced on the admin health endpoint instead of vanishing.
// Safe for concurrent use.
type IntegrityTracker struct {
	mu    sync.Mutex
	stats map[string]*IntegrityStat
	now   func() time.Time
}

func NewIntegrityTracker() *IntegrityTracker {
	return &IntegrityTracker{stats: make(map[string]*IntegrityStat), now: time.Now}
}

func (t *IntegrityTracker) Record(kind, field, recordID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := kind + "." + field
	st, ok := t.stats[key]
	if !ok {
		st = &IntegrityStat{Kind: kind, Field: field}
		t.stats[key] = st
	}
	st.Count++
	st.LastRecordID = recordID
	if err != nil {
		st.LastError = err.Error()
	}
	st.LastSeen = t.now()
}

// Snapshot returns a copy of all stats ordered by kind, then field.
func (t *IntegrityTracker) Snapshot() []IntegrityStat {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]IntegrityStat, 0, len(t.stats))
	for _, st := range t.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Field < out[j].Field
	})
	return out
}

func (t *IntegrityTracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	for _, st := range t.stats {
		n += st.Count
	}
	return n
}
