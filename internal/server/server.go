// Package server exposes the gateway's HTTP surface: stream playback, the
// derived artifacts, HDHomeRun emulation, and portal management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/macreplay/macreplay/internal/artifact"
	"github.com/macreplay/macreplay/internal/config"
	"github.com/macreplay/macreplay/internal/occupancy"
	"github.com/macreplay/macreplay/internal/resolve"
	"github.com/macreplay/macreplay/internal/stb"
	"github.com/macreplay/macreplay/internal/store"
)

// Resolver finds a playable upstream link for a channel request.
type Resolver interface {
	Resolve(ctx context.Context, portalID, channelID, clientAddr string, web bool) (*resolve.Result, error)
}

// Streamer relays a resolved link to the client.
type Streamer interface {
	Stream(w http.ResponseWriter, r *http.Request, link, proxy string, web bool) error
}

// MacTester verifies a credential against a portal.
type MacTester interface {
	TestMAC(ctx context.Context, portalURL, mac string) (string, error)
}

// Server wires the gateway components behind one mux.
type Server struct {
	Settings  *config.Settings
	Store     *store.Store
	Resolver  Resolver
	Streamer  Streamer
	Tester    MacTester
	Builder   *artifact.Builder
	Occupancy *occupancy.Table
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Settings.ListenAddr,
		Handler: logRequests(s.routes()),
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", s.Settings.ListenAddr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Printf("server: shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /play/{portal}/{channel}", s.handlePlay)
	mux.HandleFunc("GET /playlist.m3u", s.handlePlaylist)
	mux.HandleFunc("/update_playlistm3u", s.handleUpdatePlaylist)
	mux.HandleFunc("GET /xmltv", s.handleXMLTV)
	mux.HandleFunc("GET /lineup.json", s.handleLineup)
	mux.HandleFunc("/refresh_lineup", s.handleRefreshLineup)
	mux.HandleFunc("/lineup.post", s.handleLineupPost)
	mux.HandleFunc("GET /discover.json", s.handleDiscover)
	mux.HandleFunc("GET /lineup_status.json", s.handleLineupStatus)
	mux.HandleFunc("GET /streaming", s.handleStreaming)
	mux.HandleFunc("GET /portals", s.handlePortalList)
	mux.HandleFunc("POST /portals", s.handlePortalAdd)
	mux.HandleFunc("PUT /portals/{id}", s.handlePortalUpdate)
	mux.HandleFunc("DELETE /portals/{id}", s.handlePortalRemove)
	mux.HandleFunc("POST /portals/{id}/test", s.handlePortalTest)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	portalID := r.PathValue("portal")
	channelID := r.PathValue("channel")
	web := r.URL.Query().Get("web") == "true"

	res, err := s.Resolver.Resolve(r.Context(), portalID, channelID, clientAddr(r), web)
	if errors.Is(err, resolve.ErrNoStream) {
		http.Error(w, "No streams available", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer res.Lease.Release()

	if !web && s.Settings.StreamMethod == "redirect" {
		http.Redirect(w, r, res.Link, http.StatusFound)
		return
	}
	if err := s.Streamer.Stream(w, r, res.Link, res.Portal.Proxy, web); err != nil {
		log.Printf("server: relay portal=%s mac=%s channel=%s: %v", res.Portal.Name, res.Mac, channelID, err)
		if rerr := s.Store.RotateMAC(res.Portal.ID, res.Mac); rerr != nil {
			log.Printf("server: rotate after relay failure: %v", rerr)
		}
	}
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	body, err := s.Builder.Playlist.Get(r.Context(), r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Write(body)
}

func (s *Server) handleUpdatePlaylist(w http.ResponseWriter, r *http.Request) {
	s.Builder.Playlist.Invalidate()
	if _, err := s.Builder.Playlist.Get(r.Context(), r.Host); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintln(w, "playlist updated")
}

func (s *Server) handleXMLTV(w http.ResponseWriter, r *http.Request) {
	body, err := s.Builder.Guide.Get(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(body)
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	body, err := s.Builder.Lineup.Get(r.Context(), r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleRefreshLineup(w http.ResponseWriter, r *http.Request) {
	if err := s.Builder.Lineup.Refresh(r.Context(), r.Host); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintln(w, "lineup refreshed")
}

// handleLineupPost exists because HDHomeRun clients probe it; scanning is
// not applicable to a virtual tuner.
func (s *Server) handleLineupPost(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if s.Settings.AdvertisedHost != "" {
		host = s.Settings.AdvertisedHost
	}
	base := "http://" + host
	doc := map[string]any{
		"FriendlyName":    s.Settings.HDHRName,
		"Manufacturer":    "Silicondust",
		"ModelNumber":     "HDTC-2US",
		"FirmwareName":    "hdhomeruntc_atsc",
		"FirmwareVersion": "20150826",
		"DeviceID":        s.Settings.HDHRID,
		"DeviceAuth":      "macreplay",
		"TunerCount":      s.Settings.HDHRTuners,
		"BaseURL":         base,
		"LineupURL":       base + "/lineup.json",
	}
	writeJSON(w, doc)
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   0,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request) {
	sessions := s.Occupancy.Snapshot()
	if sessions == nil {
		sessions = []occupancy.Session{}
	}
	writeJSON(w, sessions)
}

// portalPayload is the wire shape for portal management; the embedded portal
// carries everything but the id.
type portalPayload struct {
	ID string `json:"id"`
	store.Portal
}

func (s *Server) handlePortalList(w http.ResponseWriter, r *http.Request) {
	portals := s.Store.Portals()
	out := make([]portalPayload, 0, len(portals))
	for _, p := range portals {
		out = append(out, portalPayload{ID: p.ID, Portal: p})
	}
	writeJSON(w, out)
}

func (s *Server) handlePortalAdd(w http.ResponseWriter, r *http.Request) {
	var payload portalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p := payload.Portal
	p.ID = payload.ID
	if p.URL == "" || len(p.Macs) == 0 {
		http.Error(w, "portal needs a url and at least one mac", http.StatusBadRequest)
		return
	}
	// Bare host URLs get resolved to the real RPC endpoint up front.
	if !strings.HasSuffix(p.URL, ".php") {
		endpoint, err := stb.DiscoverEndpoint(r.Context(), p.URL, p.Proxy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		p.URL = endpoint
	}
	id, err := s.Store.Add(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.Builder.InvalidateAll()
	s.verifyMacs(r.Context(), id)
	stored, _ := s.Store.Portal(id)
	writeJSON(w, portalPayload{ID: id, Portal: stored})
}

func (s *Server) handlePortalUpdate(w http.ResponseWriter, r *http.Request) {
	var payload portalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p := payload.Portal
	p.ID = r.PathValue("id")
	if err := s.Store.Update(p); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.Builder.InvalidateAll()
	stored, _ := s.Store.Portal(p.ID)
	writeJSON(w, portalPayload{ID: p.ID, Portal: stored})
}

func (s *Server) handlePortalRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Remove(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.Builder.InvalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

// handlePortalTest re-verifies every MAC on the portal and reports the
// expiry markers.
func (s *Server) handlePortalTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.Store.Portal(id); !ok {
		http.Error(w, "unknown portal", http.StatusNotFound)
		return
	}
	s.verifyMacs(r.Context(), id)
	stored, _ := s.Store.Portal(id)
	writeJSON(w, stored.Macs)
}

// verifyMacs runs the credential check for every MAC on the portal and
// records the reported expiry. Failures clear the marker.
func (s *Server) verifyMacs(ctx context.Context, portalID string) {
	if s.Tester == nil {
		return
	}
	p, ok := s.Store.Portal(portalID)
	if !ok {
		return
	}
	ctx = stb.WithProxy(ctx, p.Proxy)
	for _, m := range p.Macs {
		expiry, err := s.Tester.TestMAC(ctx, p.URL, m.Mac)
		if err != nil {
			log.Printf("server: portal=%s mac=%s test failed: %v", p.Name, m.Mac, err)
			expiry = ""
		}
		if err := s.Store.SetMacExpiry(portalID, m.Mac, expiry); err != nil {
			log.Printf("server: record expiry: %v", err)
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"portals": len(s.Store.Portals()),
		"streams": len(s.Occupancy.Snapshot()),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

// loggingResponseWriter captures the status code for the request log.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		log.Printf("http: %s %s status=%d dur=%s client=%s", r.Method, r.URL.Path, lw.status, time.Since(start).Round(time.Millisecond), clientAddr(r))
	})
}
