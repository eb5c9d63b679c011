package artifact

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/macreplay/macreplay/internal/metrics"
)

// LineupItem is one channel in the HDHomeRun lineup document.
type LineupItem struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// LineupCache holds the rendered lineup.json, keyed by host like the
// playlist (the lineup also embeds absolute play URLs).
type LineupCache struct {
	b *Builder

	mu    sync.Mutex
	host  string
	items []LineupItem
}

// Get returns the lineup for the requesting host.
func (c *LineupCache) Get(ctx context.Context, host string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil || c.host != host {
		if err := c.rebuild(ctx, host); err != nil {
			return nil, err
		}
	}
	return json.Marshal(c.items)
}

// Refresh rebuilds the lineup unconditionally.
func (c *LineupCache) Refresh(ctx context.Context, host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuild(ctx, host)
}

// Invalidate drops the cached lineup.
func (c *LineupCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = ""
	c.items = nil
}

// Count returns the number of channels in the cached lineup, 0 when cold.
func (c *LineupCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// rebuild fetches and renders; caller holds c.mu.
func (c *LineupCache) rebuild(ctx context.Context, host string) error {
	start := time.Now()
	entries := c.b.entries(ctx)
	items := make([]LineupItem, 0, len(entries))
	for _, e := range entries {
		number := e.Number
		if !c.b.Settings.UseChannelNumbers || number == "" {
			number = "0"
		}
		items = append(items, LineupItem{
			GuideNumber: number,
			GuideName:   e.Name,
			URL:         c.b.playURL(host, e),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return numberValue(items[i].GuideNumber) < numberValue(items[j].GuideNumber)
	})
	metrics.ArtifactRefreshSeconds.WithLabelValues("lineup").Observe(time.Since(start).Seconds())
	c.host = host
	c.items = items
	return nil
}
