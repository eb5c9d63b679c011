// Package occupancy tracks which MAC credentials are currently relaying
// streams and enforces each portal's per-MAC concurrency cap at admission.
package occupancy

import (
	"sync"
	"time"

	"github.com/macreplay/macreplay/internal/metrics"
)

// Session describes one admitted stream for status reporting.
type Session struct {
	Portal      string    `json:"portal"`
	PortalName  string    `json:"portal_name"`
	Mac         string    `json:"mac"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	Client      string    `json:"client"`
	Start       time.Time `json:"start_time"`
}

// Table is the in-memory occupancy registry. The capacity check and the
// insert happen under one lock so concurrent admissions cannot overshoot a
// MAC's cap.
type Table struct {
	mu       sync.Mutex
	sessions map[string][]*entry // portal id -> active sessions
}

type entry struct {
	s Session
}

// NewTable returns an empty occupancy table.
func NewTable() *Table {
	return &Table{sessions: map[string][]*entry{}}
}

// Lease is a held occupancy slot. Release is idempotent and must run on every
// exit path of a stream, successful or not.
type Lease struct {
	t    *Table
	e    *entry
	once sync.Once
}

// TryAcquire admits the session when the MAC has headroom under cap and
// returns the slot lease. cap <= 0 means unlimited. A false return means the
// MAC is saturated; the caller should move on without rotating it.
func (t *Table) TryAcquire(s Session, cap int) (*Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cap > 0 {
		active := 0
		for _, e := range t.sessions[s.Portal] {
			if e.s.Mac == s.Mac {
				active++
			}
		}
		if active >= cap {
			return nil, false
		}
	}
	if s.Start.IsZero() {
		s.Start = time.Now()
	}
	e := &entry{s: s}
	t.sessions[s.Portal] = append(t.sessions[s.Portal], e)
	metrics.ActiveStreams.WithLabelValues(s.Portal).Inc()
	return &Lease{t: t, e: e}, true
}

// Release frees the slot. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		t, e := l.t, l.e
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.sessions[e.s.Portal]
		for i, cur := range list {
			if cur == e {
				t.sessions[e.s.Portal] = append(list[:i], list[i+1:]...)
				metrics.ActiveStreams.WithLabelValues(e.s.Portal).Dec()
				break
			}
		}
		if len(t.sessions[e.s.Portal]) == 0 {
			delete(t.sessions, e.s.Portal)
		}
	})
}

// SetChannelName fills in the display name once the resolver learns it.
func (l *Lease) SetChannelName(name string) {
	if l == nil {
		return
	}
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	l.e.s.ChannelName = name
}

// Session returns a copy of the lease's session record.
func (l *Lease) Session() Session {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	return l.e.s
}

// Count returns the number of active sessions held by one MAC on a portal.
func (t *Table) Count(portalID, mac string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.sessions[portalID] {
		if e.s.Mac == mac {
			n++
		}
	}
	return n
}

// Snapshot returns all active sessions, for the status endpoint.
func (t *Table) Snapshot() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Session
	for _, list := range t.sessions {
		for _, e := range list {
			out = append(out, e.s)
		}
	}
	return out
}
