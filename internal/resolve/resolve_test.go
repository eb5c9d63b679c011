package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/macreplay/macreplay/internal/occupancy"
	"github.com/macreplay/macreplay/internal/stb"
	"github.com/macreplay/macreplay/internal/store"
)

// fakeClient scripts per-MAC behavior: MACs in badMacs fail handshake,
// everything else sees the configured channel listing.
type fakeClient struct {
	channels map[string][]stb.Channel // portal URL -> listing
	badMacs  map[string]bool
	links    int // create_link call count
}

func (f *fakeClient) Handshake(ctx context.Context, portalURL, mac string) (string, error) {
	if f.badMacs[mac] {
		return "", errors.New("rejected")
	}
	return "tok-" + mac, nil
}

func (f *fakeClient) Profile(ctx context.Context, portalURL, mac, token string) error {
	return nil
}

func (f *fakeClient) Channels(ctx context.Context, portalURL, mac, token string) ([]stb.Channel, error) {
	chans, ok := f.channels[portalURL]
	if !ok {
		return nil, errors.New("no listing")
	}
	return chans, nil
}

func (f *fakeClient) CreateLink(ctx context.Context, portalURL, mac, token, cmd string) (string, error) {
	f.links++
	return "http://cdn.example/created.ts", nil
}

func channel(id, name, cmd string) stb.Channel {
	var c stb.Channel
	data := fmt.Sprintf(`{"id": %q, "name": %q, "cmd": %q}`, id, name, cmd)
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		panic(err)
	}
	return c
}

func newResolver(t *testing.T, client StalkerClient, portals ...store.Portal) *Resolver {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "portals.json"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	for _, p := range portals {
		if _, err := st.Add(p); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return &Resolver{
		Store:      st,
		Client:     client,
		Occupancy:  occupancy.NewTable(),
		TryAllMacs: true,
	}
}

func TestResolveFirstMacSucceeds(t *testing.T) {
	client := &fakeClient{channels: map[string][]stb.Channel{
		"http://p1/portal.php": {channel("42", "News One", "ffrt http://direct.example/42.ts")},
	}}
	r := newResolver(t, client, store.Portal{
		ID: "p1", Enabled: true, Name: "Alpha", URL: "http://p1/portal.php",
		Macs: []store.MacEntry{{Mac: "aa"}, {Mac: "bb"}},
	})

	res, err := r.Resolve(context.Background(), "p1", "42", "10.0.0.1", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Lease.Release()
	if res.Mac != "aa" || res.Link != "http://direct.example/42.ts" || res.ChannelName != "News One" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if client.links != 0 {
		t.Fatal("create_link called for direct cmd")
	}
	// Pool order untouched on success.
	p, _ := r.Store.Portal("p1")
	if p.Macs[0].Mac != "aa" {
		t.Fatalf("pool rotated on success: %+v", p.Macs)
	}
}

func TestResolveLocalhostCmdUsesCreateLink(t *testing.T) {
	client := &fakeClient{channels: map[string][]stb.Channel{
		"http://p1/portal.php": {channel("42", "News", "ffrt http://localhost/ch/42")},
	}}
	r := newResolver(t, client, store.Portal{
		ID: "p1", Enabled: true, URL: "http://p1/portal.php",
		Macs: []store.MacEntry{{Mac: "aa"}},
	})

	res, err := r.Resolve(context.Background(), "p1", "42", "c", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Lease.Release()
	if res.Link != "http://cdn.example/created.ts" || client.links != 1 {
		t.Fatalf("create_link not used: %+v", res)
	}
}

func TestResolveRotatesFailedMac(t *testing.T) {
	client := &fakeClient{
		channels: map[string][]stb.Channel{
			"http://p1/portal.php": {channel("42", "News", "ffrt http://d/42.ts")},
		},
		badMacs: map[string]bool{"aa": true},
	}
	r := newResolver(t, client, store.Portal{
		ID: "p1", Enabled: true, URL: "http://p1/portal.php",
		Macs: []store.MacEntry{{Mac: "aa"}, {Mac: "bb"}},
	})

	res, err := r.Resolve(context.Background(), "p1", "42", "c", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Lease.Release()
	if res.Mac != "bb" {
		t.Fatalf("resolved with %s, want bb", res.Mac)
	}
	p, _ := r.Store.Portal("p1")
	if p.Macs[0].Mac != "bb" || p.Macs[1].Mac != "aa" {
		t.Fatalf("failed MAC not rotated to tail: %+v", p.Macs)
	}
	// Failed MAC's lease must be released.
	if got := r.Occupancy.Count("p1", "aa"); got != 0 {
		t.Fatalf("leaked lease on failed MAC: %d", got)
	}
}

func TestResolveBusyMacSkippedWithoutRotation(t *testing.T) {
	client := &fakeClient{channels: map[string][]stb.Channel{
		"http://p1/portal.php": {channel("42", "News", "ffrt http://d/42.ts")},
	}}
	r := newResolver(t, client, store.Portal{
		ID: "p1", Enabled: true, URL: "http://p1/portal.php",
		Macs:          []store.MacEntry{{Mac: "aa"}, {Mac: "bb"}},
		StreamsPerMac: 1,
	})

	// Saturate aa.
	first, err := r.Resolve(context.Background(), "p1", "42", "c1", false)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	defer first.Lease.Release()
	if first.Mac != "aa" {
		t.Fatalf("first stream on %s", first.Mac)
	}

	second, err := r.Resolve(context.Background(), "p1", "42", "c2", false)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	defer second.Lease.Release()
	if second.Mac != "bb" {
		t.Fatalf("second stream on %s, want bb", second.Mac)
	}
	p, _ := r.Store.Portal("p1")
	if p.Macs[0].Mac != "aa" {
		t.Fatalf("busy MAC was rotated: %+v", p.Macs)
	}
}

func TestResolveTryAllMacsFalseStopsAfterFirst(t *testing.T) {
	client := &fakeClient{
		channels: map[string][]stb.Channel{
			"http://p1/portal.php": {channel("42", "News", "ffrt http://d/42.ts")},
		},
		badMacs: map[string]bool{"aa": true},
	}
	r := newResolver(t, client, store.Portal{
		ID: "p1", Enabled: true, URL: "http://p1/portal.php",
		Macs: []store.MacEntry{{Mac: "aa"}, {Mac: "bb"}},
	})
	r.TryAllMacs = false

	if _, err := r.Resolve(context.Background(), "p1", "42", "c", false); !errors.Is(err, ErrNoStream) {
		t.Fatalf("expected ErrNoStream, got %v", err)
	}
	// The failed first MAC still rotates.
	p, _ := r.Store.Portal("p1")
	if p.Macs[0].Mac != "bb" {
		t.Fatalf("pool after single attempt: %+v", p.Macs)
	}
}

func TestResolveExhaustionReturnsErrNoStream(t *testing.T) {
	client := &fakeClient{badMacs: map[string]bool{"aa": true, "bb": true}}
	r := newResolver(t, client, store.Portal{
		ID: "p1", Enabled: true, URL: "http://p1/portal.php",
		Macs: []store.MacEntry{{Mac: "aa"}, {Mac: "bb"}},
	})
	if _, err := r.Resolve(context.Background(), "p1", "42", "c", false); !errors.Is(err, ErrNoStream) {
		t.Fatalf("expected ErrNoStream, got %v", err)
	}
}

func TestResolveProbeFailureRotates(t *testing.T) {
	client := &fakeClient{channels: map[string][]stb.Channel{
		"http://p1/portal.php": {channel("42", "News", "ffrt http://d/42.ts")},
	}}
	r := newResolver(t, client, store.Portal{
		ID: "p1", Enabled: true, URL: "http://p1/portal.php",
		Macs: []store.MacEntry{{Mac: "aa"}},
	})
	r.TestStreams = true
	r.Probe = func(ctx context.Context, link, proxy string) error {
		return errors.New("dead stream")
	}

	if _, err := r.Resolve(context.Background(), "p1", "42", "c", false); !errors.Is(err, ErrNoStream) {
		t.Fatalf("expected ErrNoStream, got %v", err)
	}
	if got := r.Occupancy.Count("p1", "aa"); got != 0 {
		t.Fatalf("leaked lease after probe failure: %d", got)
	}
}

func TestResolveFallsBackByChannelName(t *testing.T) {
	client := &fakeClient{
		channels: map[string][]stb.Channel{
			"http://p1/portal.php": {channel("42", "News One", "ffrt http://d/42.ts")},
			"http://p2/portal.php": {channel("9", "whatever", "ffrt http://other.example/9.ts")},
		},
		// p1's only MAC fails after learning the channel name is not
		// possible (handshake fails), so the custom name drives fallback.
		badMacs: map[string]bool{"aa": true},
	}
	r := newResolver(t, client,
		store.Portal{
			ID: "p1", Enabled: true, Name: "Alpha", URL: "http://p1/portal.php",
			Macs:        []store.MacEntry{{Mac: "aa"}},
			CustomNames: map[string]string{"42": "News One"},
		},
		store.Portal{
			ID: "p2", Enabled: true, Name: "Beta", URL: "http://p2/portal.php",
			Macs:             []store.MacEntry{{Mac: "cc"}},
			FallbackChannels: map[string]string{"9": "News One"},
		},
	)

	res, err := r.Resolve(context.Background(), "p1", "42", "c", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Lease.Release()
	if res.Portal.ID != "p2" || res.ChannelID != "9" || res.Link != "http://other.example/9.ts" {
		t.Fatalf("fallback result wrong: %+v", res)
	}
}

func TestResolveFallbackNameMatchIsExact(t *testing.T) {
	client := &fakeClient{
		channels: map[string][]stb.Channel{
			"http://p2/portal.php": {channel("9", "x", "ffrt http://o/9.ts")},
		},
		badMacs: map[string]bool{"aa": true},
	}
	r := newResolver(t, client,
		store.Portal{
			ID: "p1", Enabled: true, URL: "http://p1/portal.php",
			Macs:        []store.MacEntry{{Mac: "aa"}},
			CustomNames: map[string]string{"42": "News One"},
		},
		store.Portal{
			ID: "p2", Enabled: true, URL: "http://p2/portal.php",
			Macs:             []store.MacEntry{{Mac: "cc"}},
			FallbackChannels: map[string]string{"9": "NEWS ONE"},
		},
	)

	if _, err := r.Resolve(context.Background(), "p1", "42", "c", false); !errors.Is(err, ErrNoStream) {
		t.Fatalf("case-differing fallback name matched: %v", err)
	}
}

func TestResolveWebSuppressesFallback(t *testing.T) {
	client := &fakeClient{
		channels: map[string][]stb.Channel{
			"http://p2/portal.php": {channel("9", "x", "ffrt http://o/9.ts")},
		},
		badMacs: map[string]bool{"aa": true},
	}
	r := newResolver(t, client,
		store.Portal{
			ID: "p1", Enabled: true, URL: "http://p1/portal.php",
			Macs:        []store.MacEntry{{Mac: "aa"}},
			CustomNames: map[string]string{"42": "News One"},
		},
		store.Portal{
			ID: "p2", Enabled: true, URL: "http://p2/portal.php",
			Macs:             []store.MacEntry{{Mac: "cc"}},
			FallbackChannels: map[string]string{"9": "News One"},
		},
	)

	if _, err := r.Resolve(context.Background(), "p1", "42", "c", true); !errors.Is(err, ErrNoStream) {
		t.Fatalf("web request fell back: %v", err)
	}
}

func TestResolveDisabledPortal(t *testing.T) {
	r := newResolver(t, &fakeClient{}, store.Portal{ID: "p1", Enabled: false, URL: "u"})
	if _, err := r.Resolve(context.Background(), "p1", "42", "c", false); err == nil {
		t.Fatal("expected error for disabled portal")
	}
	if _, err := r.Resolve(context.Background(), "nope", "42", "c", false); err == nil {
		t.Fatal("expected error for unknown portal")
	}
}
