// Package store owns the on-disk portal definitions: the unit the resolution
// pipeline operates on, including each portal's ordered MAC pool.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/macreplay/macreplay/internal/metrics"
)

// MacEntry is one credential in a portal's rotation order. Expiry is the
// last-known validity marker reported by the portal when the MAC was tested.
type MacEntry struct {
	Mac    string `json:"mac"`
	Expiry string `json:"expiry,omitempty"`
}

// Portal is an upstream Stalker/Ministra backend plus its local channel
// customizations. Macs is ordered: index 0 is tried first, rotation moves a
// failed entry to the tail.
type Portal struct {
	ID               string            `json:"-"`
	Enabled          bool              `json:"enabled"`
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	Macs             []MacEntry        `json:"macs"`
	StreamsPerMac    int               `json:"streams_per_mac"`
	EpgOffsetHours   int               `json:"epg_offset"`
	Proxy            string            `json:"proxy,omitempty"`
	EnabledChannels  []string          `json:"enabled_channels"`
	CustomNames      map[string]string `json:"custom_channel_names"`
	CustomNumbers    map[string]string `json:"custom_channel_numbers"`
	CustomGenres     map[string]string `json:"custom_genres"`
	CustomEpgIDs     map[string]string `json:"custom_epg_ids"`
	FallbackChannels map[string]string `json:"fallback_channels"` // channel id -> fallback channel name
}

// ChannelEnabled reports whether the channel id is in the enabled set.
func (p *Portal) ChannelEnabled(id string) bool {
	for _, c := range p.EnabledChannels {
		if c == id {
			return true
		}
	}
	return false
}

// CustomName returns the configured name override for a channel, or "".
func (p *Portal) CustomName(id string) string {
	return p.CustomNames[id]
}

func (p *Portal) clone() Portal {
	out := *p
	out.Macs = append([]MacEntry(nil), p.Macs...)
	out.EnabledChannels = append([]string(nil), p.EnabledChannels...)
	out.CustomNames = cloneMap(p.CustomNames)
	out.CustomNumbers = cloneMap(p.CustomNumbers)
	out.CustomGenres = cloneMap(p.CustomGenres)
	out.CustomEpgIDs = cloneMap(p.CustomEpgIDs)
	out.FallbackChannels = cloneMap(p.FallbackChannels)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func normalize(p *Portal) {
	if p.StreamsPerMac < 0 {
		p.StreamsPerMac = 0
	}
	if p.EnabledChannels == nil {
		p.EnabledChannels = []string{}
	}
	if p.CustomNames == nil {
		p.CustomNames = map[string]string{}
	}
	if p.CustomNumbers == nil {
		p.CustomNumbers = map[string]string{}
	}
	if p.CustomGenres == nil {
		p.CustomGenres = map[string]string{}
	}
	if p.CustomEpgIDs == nil {
		p.CustomEpgIDs = map[string]string{}
	}
	if p.FallbackChannels == nil {
		p.FallbackChannels = map[string]string{}
	}
}

type storeFile struct {
	Portals map[string]*Portal `json:"portals"`
}

// Store is the mutex-guarded portal table persisted as a JSON document.
type Store struct {
	path string

	mu      sync.Mutex
	portals map[string]*Portal
}

// Open loads the store at path, creating an empty one when the file does not
// exist. Unknown or missing fields get defaults applied.
func Open(path string) (*Store, error) {
	s := &Store{path: path, portals: map[string]*Portal{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("store: no portal config at %s, starting empty", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read portal config: %w", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse portal config %s: %w", path, err)
	}
	for id, p := range f.Portals {
		p.ID = id
		normalize(p)
		s.portals[id] = p
	}
	log.Printf("store: loaded %d portal(s) from %s", len(s.portals), path)
	return s, nil
}

// save writes the store atomically (tmp + rename). Caller holds s.mu.
func (s *Store) save() error {
	f := storeFile{Portals: s.portals}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Portals returns copies of all portals, sorted by name then id for stable
// iteration order.
func (s *Store) Portals() []Portal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Portal, 0, len(s.portals))
	for _, p := range s.portals {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Portal returns a copy of one portal by id.
func (s *Store) Portal(id string) (Portal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portals[id]
	if !ok {
		return Portal{}, false
	}
	return p.clone(), true
}

// Add inserts a portal, assigning an id when empty, and persists.
func (s *Store) Add(p Portal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	normalize(&p)
	cp := p.clone()
	s.portals[p.ID] = &cp
	return p.ID, s.save()
}

// Update replaces an existing portal and persists.
func (s *Store) Update(p Portal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.portals[p.ID]; !ok {
		return fmt.Errorf("unknown portal %q", p.ID)
	}
	normalize(&p)
	cp := p.clone()
	s.portals[p.ID] = &cp
	return s.save()
}

// Remove deletes a portal and persists.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.portals[id]; !ok {
		return fmt.Errorf("unknown portal %q", id)
	}
	delete(s.portals, id)
	return s.save()
}

// SetPortalURL records a resolved portal endpoint (see stb.DiscoverEndpoint).
func (s *Store) SetPortalURL(id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portals[id]
	if !ok {
		return fmt.Errorf("unknown portal %q", id)
	}
	p.URL = url
	return s.save()
}

// SetMacExpiry records the portal-reported validity marker for one MAC.
func (s *Store) SetMacExpiry(id, mac, expiry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portals[id]
	if !ok {
		return fmt.Errorf("unknown portal %q", id)
	}
	for i := range p.Macs {
		if p.Macs[i].Mac == mac {
			p.Macs[i].Expiry = expiry
			return s.save()
		}
	}
	return fmt.Errorf("portal %q has no MAC %q", id, mac)
}

// RotateMAC moves the MAC to the tail of its portal's rotation order,
// preserving the relative order of the rest, and persists. A MAC is never
// removed on failure, only deprioritized; it gets retried after every other
// MAC has had a turn.
func (s *Store) RotateMAC(portalID, mac string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portals[portalID]
	if !ok {
		return fmt.Errorf("unknown portal %q", portalID)
	}
	idx := -1
	for i := range p.Macs {
		if p.Macs[i].Mac == mac {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("portal %q has no MAC %q", portalID, mac)
	}
	entry := p.Macs[idx]
	p.Macs = append(p.Macs[:idx], p.Macs[idx+1:]...)
	p.Macs = append(p.Macs, entry)
	metrics.MacRotations.WithLabelValues(portalID).Inc()
	log.Printf("store: portal=%s mac=%s rotated to tail (pool=%d)", portalID, mac, len(p.Macs))
	return s.save()
}
