package artifact

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/macreplay/macreplay/internal/metrics"
)

// PlaylistCache holds the rendered M3U document. The playlist embeds absolute
// play URLs, so the cache is keyed by the host the client used to reach us: a
// request from a different host rebuilds rather than serving URLs the client
// cannot reach.
type PlaylistCache struct {
	b *Builder

	mu   sync.Mutex
	host string
	body []byte
}

// Get returns the playlist for the requesting host, rebuilding when the cache
// is empty or was rendered for a different host.
func (c *PlaylistCache) Get(ctx context.Context, host string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body != nil && c.host == host {
		return c.body, nil
	}
	start := time.Now()
	body, err := c.build(ctx, host)
	if err != nil {
		return nil, err
	}
	metrics.ArtifactRefreshSeconds.WithLabelValues("playlist").Observe(time.Since(start).Seconds())
	c.host = host
	c.body = body
	return body, nil
}

// Invalidate drops the cached document.
func (c *PlaylistCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = ""
	c.body = nil
}

func (c *PlaylistCache) build(ctx context.Context, host string) ([]byte, error) {
	entries := c.b.entries(ctx)
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf(`#EXTINF:-1 tvg-id=%q`, e.EpgID))
		if e.Logo != "" {
			sb.WriteString(fmt.Sprintf(` tvg-logo=%q`, e.Logo))
		}
		if c.b.Settings.UseChannelNumbers && e.Number != "" {
			sb.WriteString(fmt.Sprintf(` tvg-chno=%q`, e.Number))
		}
		if e.Genre != "" {
			sb.WriteString(fmt.Sprintf(` group-title=%q`, e.Genre))
		}
		sb.WriteString("," + e.Name + "\n")
		sb.WriteString(c.b.playURL(host, e) + "\n")
	}
	return []byte(sb.String()), nil
}
