// Package artifact builds and caches the derived client-facing documents:
// the M3U playlist, the HDHomeRun lineup, and the XMLTV guide.
package artifact

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/macreplay/macreplay/internal/config"
	"github.com/macreplay/macreplay/internal/epgstore"
	"github.com/macreplay/macreplay/internal/stb"
	"github.com/macreplay/macreplay/internal/store"
)

// PortalClient is the slice of the portal protocol the builders need.
type PortalClient interface {
	Handshake(ctx context.Context, portalURL, mac string) (string, error)
	Profile(ctx context.Context, portalURL, mac, token string) error
	Channels(ctx context.Context, portalURL, mac, token string) ([]stb.Channel, error)
	Genres(ctx context.Context, portalURL, mac, token string) (map[string]string, error)
	EPG(ctx context.Context, portalURL, mac, token string, periodHours int) (map[string][]stb.Programme, error)
}

// Builder fetches channel data across portals for the artifact caches.
// Unlike the play path it never rotates MACs: a build walking the pool would
// otherwise reorder it behind active streams' backs.
type Builder struct {
	Store    *store.Store
	Client   PortalClient
	Settings *config.Settings
	EpgDB    *epgstore.DB

	Playlist *PlaylistCache
	Lineup   *LineupCache
	Guide    *GuideCache
}

// NewBuilder wires the three caches around one shared fetch layer.
func NewBuilder(st *store.Store, client PortalClient, settings *config.Settings, epgDB *epgstore.DB) *Builder {
	b := &Builder{Store: st, Client: client, Settings: settings, EpgDB: epgDB}
	b.Playlist = &PlaylistCache{b: b}
	b.Lineup = &LineupCache{b: b}
	b.Guide = &GuideCache{b: b}
	return b
}

// InvalidateAll drops every cached artifact so the next request rebuilds.
func (b *Builder) InvalidateAll() {
	b.Playlist.Invalidate()
	b.Lineup.Invalidate()
	b.Guide.Invalidate()
}

// session finds the first MAC on the portal that completes a handshake.
func (b *Builder) session(ctx context.Context, p store.Portal) (mac, token string, err error) {
	ctx = stb.WithProxy(ctx, p.Proxy)
	for _, m := range p.Macs {
		token, err = b.Client.Handshake(ctx, p.URL, m.Mac)
		if err != nil {
			continue
		}
		if err = b.Client.Profile(ctx, p.URL, m.Mac, token); err != nil {
			continue
		}
		return m.Mac, token, nil
	}
	if err == nil {
		err = fmt.Errorf("portal %s has no MACs", p.Name)
	}
	return "", "", fmt.Errorf("portal %s: no working MAC: %w", p.Name, err)
}

// entry is one enabled channel with its overrides applied, the common input
// to the playlist and lineup renderers.
type entry struct {
	Portal    store.Portal
	ChannelID string
	Name      string
	Number    string
	Genre     string
	EpgID     string
	Logo      string
}

// epgChannelID is the identifier shared between playlist tvg-id attributes
// and XMLTV channel elements.
func epgChannelID(p store.Portal, channelID string) string {
	if id := p.CustomEpgIDs[channelID]; id != "" {
		return id
	}
	return p.ID + "." + channelID
}

// entries fetches every enabled channel from every enabled portal. A portal
// whose fetch fails is logged and skipped so one dead upstream cannot empty
// the whole artifact.
func (b *Builder) entries(ctx context.Context) []entry {
	var out []entry
	for _, p := range b.Store.Portals() {
		if !p.Enabled {
			continue
		}
		pctx := stb.WithProxy(ctx, p.Proxy)
		mac, token, err := b.session(ctx, p)
		if err != nil {
			log.Printf("artifact: %v", err)
			continue
		}
		channels, err := b.Client.Channels(pctx, p.URL, mac, token)
		if err != nil {
			log.Printf("artifact: portal=%s channels: %v", p.Name, err)
			continue
		}
		genres := map[string]string{}
		if b.Settings.UseChannelGenres {
			genres, err = b.Client.Genres(pctx, p.URL, mac, token)
			if err != nil {
				log.Printf("artifact: portal=%s genres: %v", p.Name, err)
				genres = map[string]string{}
			}
		}
		for _, ch := range channels {
			id := ch.ID.String()
			if !p.ChannelEnabled(id) {
				continue
			}
			e := entry{
				Portal:    p,
				ChannelID: id,
				Name:      ch.Name,
				Number:    ch.Number.String(),
				EpgID:     epgChannelID(p, id),
				Logo:      ch.Logo,
			}
			if custom := p.CustomName(id); custom != "" {
				e.Name = custom
			}
			if custom := p.CustomNumbers[id]; custom != "" {
				e.Number = custom
			}
			if b.Settings.UseChannelGenres {
				e.Genre = genres[ch.GenreID.String()]
				if custom := p.CustomGenres[id]; custom != "" {
					e.Genre = custom
				}
			}
			out = append(out, e)
		}
	}
	b.sortEntries(out)
	return out
}

// sortEntries applies the configured orderings innermost-first, so the last
// applied key dominates.
func (b *Builder) sortEntries(entries []entry) {
	if b.Settings.SortPlaylistByName {
		sort.SliceStable(entries, func(i, j int) bool {
			return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
		})
	}
	if b.Settings.SortPlaylistByNumber {
		sort.SliceStable(entries, func(i, j int) bool {
			return numberValue(entries[i].Number) < numberValue(entries[j].Number)
		})
	}
	if b.Settings.SortPlaylistByGenre {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Genre < entries[j].Genre
		})
	}
}

// numberValue parses a channel number for numeric ordering; unparseable
// numbers sort last.
func numberValue(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

// playURL builds the gateway stream URL clients are handed.
func (b *Builder) playURL(host string, e entry) string {
	if b.Settings.AdvertisedHost != "" {
		host = b.Settings.AdvertisedHost
	}
	return fmt.Sprintf("http://%s/play/%s/%s", host, e.Portal.ID, e.ChannelID)
}
