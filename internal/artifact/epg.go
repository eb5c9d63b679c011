package artifact

import (
	"context"
	"encoding/xml"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/macreplay/macreplay/internal/epgstore"
	"github.com/macreplay/macreplay/internal/metrics"
	"github.com/macreplay/macreplay/internal/stb"
)

// xmltvTimeLayout is the XMLTV timestamp format. Rendered in UTC it sorts
// lexicographically, which the programme store's cutoff compare relies on.
const xmltvTimeLayout = "20060102150405 -0700"

// mergeWindow is how far back previously stored programmes are kept when a
// rebuild merges them with freshly fetched data.
const mergeWindow = 48 * time.Hour

// placeholderSpan is the synthetic programme length for channels the portals
// return no guide data for.
const placeholderSpan = 24 * time.Hour

type xmlChannel struct {
	XMLName     xml.Name `xml:"channel"`
	ID          string   `xml:"id,attr"`
	DisplayName string   `xml:"display-name"`
	Icon        *xmlIcon `xml:"icon"`
}

type xmlIcon struct {
	Src string `xml:"src,attr"`
}

type xmlProgramme struct {
	XMLName xml.Name `xml:"programme"`
	Start   string   `xml:"start,attr"`
	Stop    string   `xml:"stop,attr"`
	Channel string   `xml:"channel,attr"`
	Title   string   `xml:"title"`
	Desc    string   `xml:"desc,omitempty"`
}

// GuideCache holds the rendered XMLTV document behind a TTL. Rebuilds merge
// the fresh portal data with stored programmes still inside the merge window,
// then publish the new document in one swap.
type GuideCache struct {
	b *Builder

	mu      sync.Mutex
	body    []byte
	builtAt time.Time
}

// Get returns the guide, rebuilding when the TTL has lapsed.
func (c *GuideCache) Get(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body != nil && time.Since(c.builtAt) < c.b.Settings.EPGCacheTTL {
		return c.body, nil
	}
	return c.rebuild(ctx)
}

// Refresh rebuilds regardless of TTL.
func (c *GuideCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.rebuild(ctx)
	return err
}

// Invalidate drops the cached document.
func (c *GuideCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body = nil
	c.builtAt = time.Time{}
}

// rebuild fetches, merges and renders; caller holds c.mu. On a fetch that
// yields nothing the previous document is kept rather than replaced with an
// empty guide.
func (c *GuideCache) rebuild(ctx context.Context) ([]byte, error) {
	start := time.Now()
	body, progs, channels := c.fetch(ctx)
	if len(channels) == 0 && c.body != nil {
		log.Printf("artifact: guide rebuild produced no channels, keeping previous document")
		return c.body, nil
	}
	if c.b.EpgDB != nil {
		if err := c.b.EpgDB.Replace(progs); err != nil {
			log.Printf("artifact: persist guide: %v", err)
		}
	}
	metrics.ArtifactRefreshSeconds.WithLabelValues("guide").Observe(time.Since(start).Seconds())
	c.body = body
	c.builtAt = time.Now()
	return c.body, nil
}

func formatXMLTV(t time.Time) string {
	return t.UTC().Format(xmltvTimeLayout)
}

func renderProgramme(p xmlProgramme) string {
	out, err := xml.Marshal(p)
	if err != nil {
		return ""
	}
	return string(out)
}

// fetch walks the enabled portals, collects guide data with per-portal hour
// offsets applied, merges in surviving stored programmes, and renders the
// document. It returns the document, the merged programme set to persist,
// and the channel elements (empty means every portal fetch failed).
func (c *GuideCache) fetch(ctx context.Context) ([]byte, []epgstore.Programme, []xmlChannel) {
	now := time.Now().UTC()
	cutoff := now.Add(-mergeWindow)
	var channels []xmlChannel
	seen := map[string]bool{}
	var fresh []epgstore.Programme

	for _, p := range c.b.Store.Portals() {
		if !p.Enabled {
			continue
		}
		pctx := stb.WithProxy(ctx, p.Proxy)
		mac, token, err := c.b.session(ctx, p)
		if err != nil {
			log.Printf("artifact: %v", err)
			continue
		}
		chs, err := c.b.Client.Channels(pctx, p.URL, mac, token)
		if err != nil {
			log.Printf("artifact: portal=%s channels: %v", p.Name, err)
			continue
		}
		epg, err := c.b.Client.EPG(pctx, p.URL, mac, token, c.b.Settings.EPGPeriodHours)
		if err != nil {
			log.Printf("artifact: portal=%s epg: %v", p.Name, err)
			epg = nil
		}
		offset := time.Duration(p.EpgOffsetHours) * time.Hour

		for _, ch := range chs {
			id := ch.ID.String()
			if !p.ChannelEnabled(id) {
				continue
			}
			epgID := epgChannelID(p, id)
			name := ch.Name
			if custom := p.CustomName(id); custom != "" {
				name = custom
			}
			if !seen[epgID] {
				seen[epgID] = true
				xc := xmlChannel{ID: epgID, DisplayName: name}
				if ch.Logo != "" {
					xc.Icon = &xmlIcon{Src: ch.Logo}
				}
				channels = append(channels, xc)
			}
			for _, prog := range epg[id] {
				if prog.Stop == 0 || prog.Stop <= prog.Start {
					continue
				}
				ps := time.Unix(int64(prog.Start), 0).Add(offset)
				pe := time.Unix(int64(prog.Stop), 0).Add(offset)
				// Portals sometimes replay stale guide data; entries that
				// start outside the merge window never make the document.
				if !ps.After(cutoff) {
					continue
				}
				raw := renderProgramme(xmlProgramme{
					Start:   formatXMLTV(ps),
					Stop:    formatXMLTV(pe),
					Channel: epgID,
					Title:   prog.Name,
					Desc:    prog.Descr,
				})
				if raw == "" {
					continue
				}
				fresh = append(fresh, epgstore.Programme{
					Channel: epgID,
					Start:   formatXMLTV(ps),
					Stop:    formatXMLTV(pe),
					Raw:     raw,
				})
			}
		}
	}

	// Merge with stored programmes still inside the window. Exact serialized
	// duplicates collapse, so refetching the same guide is idempotent.
	merged := fresh
	dedupe := map[string]bool{}
	for _, p := range fresh {
		dedupe[p.Raw] = true
	}
	if c.b.EpgDB != nil {
		old, err := c.b.EpgDB.Surviving(formatXMLTV(now.Add(-mergeWindow)))
		if err != nil {
			log.Printf("artifact: load stored guide: %v", err)
		}
		for _, p := range old {
			if !dedupe[p.Raw] {
				dedupe[p.Raw] = true
				merged = append(merged, p)
			}
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Channel != merged[j].Channel {
			return merged[i].Channel < merged[j].Channel
		}
		return merged[i].Start < merged[j].Start
	})

	// Channels with no data at all still get a guide row so clients do not
	// hide them.
	hasData := map[string]bool{}
	for _, p := range merged {
		hasData[p.Channel] = true
	}
	var placeholders []string
	for _, ch := range channels {
		if hasData[ch.ID] {
			continue
		}
		placeholders = append(placeholders, renderProgramme(xmlProgramme{
			Start:   formatXMLTV(now),
			Stop:    formatXMLTV(now.Add(placeholderSpan)),
			Channel: ch.ID,
			Title:   ch.DisplayName,
			Desc:    "No programme information available",
		}))
	}

	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString("<tv generator-info-name=\"macreplay\">\n")
	for _, ch := range channels {
		if out, err := xml.Marshal(ch); err == nil {
			sb.WriteString("  " + string(out) + "\n")
		}
	}
	for _, p := range merged {
		sb.WriteString("  " + p.Raw + "\n")
	}
	for _, raw := range placeholders {
		sb.WriteString("  " + raw + "\n")
	}
	sb.WriteString("</tv>\n")
	return []byte(sb.String()), merged, channels
}
