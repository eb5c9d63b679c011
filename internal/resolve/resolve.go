// Package resolve turns a (portal, channel) request into a playable upstream
// link: it walks the portal's MAC pool, admits against occupancy caps,
// negotiates a session, verifies the link, and falls back to sibling portals
// carrying the same channel when the primary is exhausted.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/macreplay/macreplay/internal/occupancy"
	"github.com/macreplay/macreplay/internal/stb"
	"github.com/macreplay/macreplay/internal/store"
)

// ErrNoStream means every candidate MAC on every candidate portal was busy or
// failed; the client gets 503.
var ErrNoStream = errors.New("no streams available")

// StalkerClient is the slice of the portal protocol the resolver needs.
type StalkerClient interface {
	Handshake(ctx context.Context, portalURL, mac string) (string, error)
	Profile(ctx context.Context, portalURL, mac, token string) error
	Channels(ctx context.Context, portalURL, mac, token string) ([]stb.Channel, error)
	CreateLink(ctx context.Context, portalURL, mac, token, cmd string) (string, error)
}

// Prober verifies a resolved link is actually live. A nil Prober (or
// TestStreams=false) skips verification.
type Prober func(ctx context.Context, link, proxy string) error

// Resolver owns the MAC walk. Rotation decisions are made here: credential
// and stream failures rotate the MAC to the pool tail, saturation does not.
type Resolver struct {
	Store     *store.Store
	Client    StalkerClient
	Occupancy *occupancy.Table
	Probe     Prober

	TestStreams bool
	TryAllMacs  bool
}

// Result is a successfully resolved stream. Lease holds the occupancy slot;
// the caller must Release it when the stream ends, on every path.
type Result struct {
	Portal      store.Portal
	Mac         string
	ChannelID   string
	ChannelName string
	Link        string
	Lease       *occupancy.Lease
}

// Resolve finds a playable link for the channel. web suppresses cross-portal
// fallback: browser sessions are short-lived previews and a fallback portal's
// differently-numbered channel would be confusing there.
func (r *Resolver) Resolve(ctx context.Context, portalID, channelID, clientAddr string, web bool) (*Result, error) {
	portal, ok := r.Store.Portal(portalID)
	if !ok {
		return nil, fmt.Errorf("unknown portal %q", portalID)
	}
	if !portal.Enabled {
		return nil, fmt.Errorf("portal %q is disabled", portal.Name)
	}

	res, channelName := r.walkPortal(ctx, portal, channelID, clientAddr)
	if res != nil {
		return res, nil
	}

	if name := portal.CustomName(channelID); name != "" {
		channelName = name
	}
	if !web && channelName != "" {
		if res := r.fallback(ctx, portal.ID, channelName, clientAddr); res != nil {
			return res, nil
		}
	}
	return nil, ErrNoStream
}

// walkPortal tries the portal's MACs in pool order. It returns the resolved
// stream, plus the channel's display name if any attempt got far enough to
// learn it (used for fallback matching even when resolution fails).
func (r *Resolver) walkPortal(ctx context.Context, portal store.Portal, channelID, clientAddr string) (*Result, string) {
	ctx = stb.WithProxy(ctx, portal.Proxy)
	var channelName string
	for _, m := range portal.Macs {
		lease, ok := r.Occupancy.TryAcquire(occupancy.Session{
			Portal:     portal.ID,
			PortalName: portal.Name,
			Mac:        m.Mac,
			ChannelID:  channelID,
			Client:     clientAddr,
		}, portal.StreamsPerMac)
		if !ok {
			// Saturated, not broken. Skipping without rotation keeps the MAC
			// at the head for the streams it is already serving.
			log.Printf("resolve: portal=%s mac=%s busy, skipping", portal.Name, m.Mac)
			if !r.TryAllMacs {
				break
			}
			continue
		}

		res, name, err := r.tryMAC(ctx, portal, m.Mac, channelID, lease)
		if name != "" {
			channelName = name
		}
		if err == nil {
			return res, channelName
		}
		lease.Release()
		log.Printf("resolve: portal=%s mac=%s channel=%s failed: %v", portal.Name, m.Mac, channelID, err)
		if rerr := r.Store.RotateMAC(portal.ID, m.Mac); rerr != nil {
			log.Printf("resolve: rotate failed: %v", rerr)
		}
		if !r.TryAllMacs {
			break
		}
	}
	return nil, channelName
}

// tryMAC runs the full session sequence for one MAC. The returned name is
// the channel's display name when the listing was fetched, even on failure.
func (r *Resolver) tryMAC(ctx context.Context, portal store.Portal, mac, channelID string, lease *occupancy.Lease) (*Result, string, error) {
	token, err := r.Client.Handshake(ctx, portal.URL, mac)
	if err != nil {
		return nil, "", fmt.Errorf("handshake: %w", err)
	}
	if err := r.Client.Profile(ctx, portal.URL, mac, token); err != nil {
		return nil, "", fmt.Errorf("profile: %w", err)
	}
	channels, err := r.Client.Channels(ctx, portal.URL, mac, token)
	if err != nil {
		return nil, "", fmt.Errorf("channels: %w", err)
	}
	var found *stb.Channel
	for i := range channels {
		if channels[i].ID.String() == channelID {
			found = &channels[i]
			break
		}
	}
	if found == nil {
		return nil, "", fmt.Errorf("channel %s not in portal listing", channelID)
	}
	name := found.Name
	if custom := portal.CustomName(channelID); custom != "" {
		name = custom
	}

	link, err := r.link(ctx, portal, mac, token, found.Cmd)
	if err != nil {
		return nil, name, err
	}
	if r.TestStreams && r.Probe != nil {
		if err := r.Probe(ctx, link, portal.Proxy); err != nil {
			return nil, name, fmt.Errorf("probe: %w", err)
		}
	}

	lease.SetChannelName(name)
	log.Printf("resolve: portal=%s mac=%s channel=%s (%s) ok", portal.Name, mac, channelID, name)
	return &Result{
		Portal:      portal,
		Mac:         mac,
		ChannelID:   channelID,
		ChannelName: name,
		Link:        link,
		Lease:       lease,
	}, name, nil
}

// link extracts the playable URL from a channel cmd. Portal-local cmds
// (pointing at localhost) need a create_link exchange; direct cmds already
// carry the URL as their second token.
func (r *Resolver) link(ctx context.Context, portal store.Portal, mac, token, cmd string) (string, error) {
	if strings.Contains(cmd, "http://localhost/") {
		link, err := r.Client.CreateLink(ctx, portal.URL, mac, token, cmd)
		if err != nil {
			return "", fmt.Errorf("create_link: %w", err)
		}
		return link, nil
	}
	fields := strings.Fields(cmd)
	if len(fields) < 2 {
		return "", fmt.Errorf("malformed channel cmd %q", cmd)
	}
	return fields[1], nil
}

// fallback scans the other enabled portals for a channel mapped to the same
// display name and resolves against them with their own caps and pools.
func (r *Resolver) fallback(ctx context.Context, excludePortalID, channelName, clientAddr string) *Result {
	for _, p := range r.Store.Portals() {
		if p.ID == excludePortalID || !p.Enabled {
			continue
		}
		for fallbackID, fallbackName := range p.FallbackChannels {
			// Exact match only: "News One" and "NEWS ONE" may be two
			// genuinely different channels on different portals.
			if fallbackName != channelName {
				continue
			}
			log.Printf("resolve: falling back to portal=%s channel=%s for %q", p.Name, fallbackID, channelName)
			if res, _ := r.walkPortal(ctx, p, fallbackID, clientAddr); res != nil {
				return res
			}
		}
	}
	return nil
}
