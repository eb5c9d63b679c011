package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultFFmpegCommand is the relay argument template. <url>, <proxy> and
// <timeout> are substituted per stream; the -http_proxy pair is dropped when
// the portal has no proxy configured.
const DefaultFFmpegCommand = "-re -http_proxy <proxy> -timeout <timeout> -i <url> " +
	"-map 0 -codec copy -f mpegts -flush_packets 0 -fflags +nobuffer -flags low_delay " +
	"-strict experimental -analyzeduration 0 -probesize 32 -copyts -threads 12 pipe:"

// Settings holds gateway runtime settings. Portal definitions live in the
// portal store (internal/store); everything here comes from the environment.
type Settings struct {
	ListenAddr     string // e.g. :8001
	AdvertisedHost string // host:port used in generated play URLs; "" = use request host

	PortalsPath string // portal store JSON
	EpgDBPath   string // sqlite programme store backing the XMLTV cache

	FFmpegPath  string
	FFprobePath string

	StreamMethod  string // "ffmpeg" | "redirect"
	FFmpegCommand string // argument template, see DefaultFFmpegCommand
	FFmpegTimeout int    // seconds; also drives the ffprobe liveness check
	TestStreams   bool   // probe links with ffprobe before relaying
	TryAllMacs    bool   // iterate the whole MAC pool instead of first-only

	UseChannelGenres     bool
	UseChannelNumbers    bool
	SortPlaylistByName   bool
	SortPlaylistByNumber bool
	SortPlaylistByGenre  bool

	EPGPeriodHours int           // guide period requested from portals
	EPGCacheTTL    time.Duration // XMLTV regeneration interval

	HDHRName   string
	HDHRID     string
	HDHRTuners int

	PortalRPS   float64 // per-portal upstream request pacing
	PortalBurst int
}

// Load reads settings from MACREPLAY_* environment variables with the
// defaults the gateway shipped with.
func Load() *Settings {
	s := &Settings{
		ListenAddr:           getEnv("MACREPLAY_LISTEN", ":8001"),
		AdvertisedHost:       os.Getenv("MACREPLAY_HOST"),
		PortalsPath:          getEnv("MACREPLAY_CONFIG", defaultDataPath("portals.json")),
		EpgDBPath:            getEnv("MACREPLAY_EPG_DB", defaultDataPath("epg.db")),
		FFmpegPath:           getEnv("MACREPLAY_FFMPEG", "ffmpeg"),
		FFprobePath:          getEnv("MACREPLAY_FFPROBE", "ffprobe"),
		StreamMethod:         getEnvStreamMethod("MACREPLAY_STREAM_METHOD", "ffmpeg"),
		FFmpegCommand:        getEnv("MACREPLAY_FFMPEG_COMMAND", DefaultFFmpegCommand),
		FFmpegTimeout:        getEnvInt("MACREPLAY_FFMPEG_TIMEOUT", 5),
		TestStreams:          getEnvBool("MACREPLAY_TEST_STREAMS", true),
		TryAllMacs:           getEnvBool("MACREPLAY_TRY_ALL_MACS", true),
		UseChannelGenres:     getEnvBool("MACREPLAY_USE_CHANNEL_GENRES", true),
		UseChannelNumbers:    getEnvBool("MACREPLAY_USE_CHANNEL_NUMBERS", true),
		SortPlaylistByName:   getEnvBool("MACREPLAY_SORT_BY_NAME", false),
		SortPlaylistByNumber: getEnvBool("MACREPLAY_SORT_BY_NUMBER", true),
		SortPlaylistByGenre:  getEnvBool("MACREPLAY_SORT_BY_GENRE", false),
		EPGPeriodHours:       getEnvInt("MACREPLAY_EPG_PERIOD_HOURS", 24),
		EPGCacheTTL:          getEnvDuration("MACREPLAY_EPG_CACHE_TTL", 15*time.Minute),
		HDHRName:             getEnv("MACREPLAY_HDHR_NAME", "MacReplay"),
		HDHRID:               os.Getenv("MACREPLAY_HDHR_ID"),
		HDHRTuners:           getEnvInt("MACREPLAY_HDHR_TUNERS", 10),
		PortalRPS:            getEnvFloat("MACREPLAY_PORTAL_RPS", 5),
		PortalBurst:          getEnvInt("MACREPLAY_PORTAL_BURST", 5),
	}
	if s.FFmpegTimeout <= 0 {
		s.FFmpegTimeout = 5
	}
	if s.EPGPeriodHours <= 0 {
		s.EPGPeriodHours = 24
	}
	if s.EPGCacheTTL <= 0 {
		s.EPGCacheTTL = 15 * time.Minute
	}
	if s.HDHRTuners <= 0 {
		s.HDHRTuners = 10
	}
	if s.HDHRID == "" {
		// Stable for one process lifetime; clients re-discover on restart.
		s.HDHRID = uuid.NewString()
	}
	if s.PortalRPS <= 0 {
		s.PortalRPS = 5
	}
	if s.PortalBurst <= 0 {
		s.PortalBurst = 5
	}
	return s
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return name
	}
	return filepath.Join(home, ".macreplay", name)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvStreamMethod returns "ffmpeg" or "redirect"; anything else falls back.
func getEnvStreamMethod(key, defaultVal string) string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "ffmpeg":
		return "ffmpeg"
	case "redirect":
		return "redirect"
	}
	return defaultVal
}
