// Command macreplay is an IPTV gateway in front of Stalker/Ministra portals.
// It pools MAC credentials per portal, resolves channels to upstream links,
// relays them through ffmpeg, and serves M3U, XMLTV and HDHomeRun documents
// derived from the portal listings.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/macreplay/macreplay/internal/artifact"
	"github.com/macreplay/macreplay/internal/config"
	"github.com/macreplay/macreplay/internal/epgstore"
	"github.com/macreplay/macreplay/internal/occupancy"
	"github.com/macreplay/macreplay/internal/relay"
	"github.com/macreplay/macreplay/internal/resolve"
	"github.com/macreplay/macreplay/internal/server"
	"github.com/macreplay/macreplay/internal/stb"
	"github.com/macreplay/macreplay/internal/store"
)

func main() {
	settings := config.Load()
	flag.StringVar(&settings.ListenAddr, "listen", settings.ListenAddr, "listen address")
	flag.StringVar(&settings.PortalsPath, "config", settings.PortalsPath, "portal config path")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(settings.PortalsPath)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	epgDB, err := epgstore.Open(settings.EpgDBPath)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	defer epgDB.Close()

	client := stb.NewClient(settings.PortalRPS, settings.PortalBurst)
	occ := occupancy.NewTable()
	manager := &relay.Manager{
		FFmpegPath:     settings.FFmpegPath,
		FFprobePath:    settings.FFprobePath,
		Command:        settings.FFmpegCommand,
		TimeoutSeconds: settings.FFmpegTimeout,
	}
	resolver := &resolve.Resolver{
		Store:       st,
		Client:      client,
		Occupancy:   occ,
		Probe:       manager.Probe,
		TestStreams: settings.TestStreams,
		TryAllMacs:  settings.TryAllMacs,
	}
	builder := artifact.NewBuilder(st, client, settings, epgDB)

	srv := &server.Server{
		Settings:  settings,
		Store:     st,
		Resolver:  resolver,
		Streamer:  manager,
		Tester:    client,
		Builder:   builder,
		Occupancy: occ,
	}

	go bootstrap(ctx, settings, st, client, builder)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("main: %v", err)
	}
}

// bootstrap runs the startup background work: resolving bare portal URLs to
// RPC endpoints, verifying untested MACs, and warming the guide cache. Each
// portal is handled independently so one dead upstream cannot stall the rest.
func bootstrap(ctx context.Context, settings *config.Settings, st *store.Store, client *stb.Client, builder *artifact.Builder) {
	for _, p := range st.Portals() {
		pctx := stb.WithProxy(ctx, p.Proxy)
		if !strings.HasSuffix(p.URL, ".php") {
			endpoint, err := stb.DiscoverEndpoint(pctx, p.URL, p.Proxy)
			if err != nil {
				log.Printf("main: portal=%s endpoint discovery: %v", p.Name, err)
				continue
			}
			if err := st.SetPortalURL(p.ID, endpoint); err != nil {
				log.Printf("main: portal=%s record endpoint: %v", p.Name, err)
				continue
			}
			p.URL = endpoint
		}
		for _, m := range p.Macs {
			if m.Expiry != "" {
				continue
			}
			expiry, err := client.TestMAC(pctx, p.URL, m.Mac)
			if err != nil {
				log.Printf("main: portal=%s mac=%s test: %v", p.Name, m.Mac, err)
				continue
			}
			if err := st.SetMacExpiry(p.ID, m.Mac, expiry); err != nil {
				log.Printf("main: portal=%s record expiry: %v", p.Name, err)
			}
		}
	}
	if settings.AdvertisedHost != "" {
		// The lineup embeds absolute play URLs, so warming it needs a known
		// host; without one the first client request builds it.
		if err := builder.Lineup.Refresh(ctx, settings.AdvertisedHost); err != nil {
			log.Printf("main: warm lineup cache: %v", err)
		}
	}
	if err := builder.Guide.Refresh(ctx); err != nil {
		log.Printf("main: warm guide cache: %v", err)
	}
}
