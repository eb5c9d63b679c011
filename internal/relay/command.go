package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// webArgsTemplate is the fixed fragmented-MP4 command used for browser
// playback; browsers cannot consume raw MPEG-TS.
var webArgsTemplate = []string{
	"-loglevel", "panic", "-hide_banner",
	"-i", "<url>",
	"-vcodec", "copy",
	"-f", "mp4", "-movflags", "frag_keyframe+empty_moov",
	"pipe:",
}

// BuildArgs expands the relay argument template for one stream. <url>,
// <proxy> and <timeout> are substituted; timeoutSeconds is converted to
// microseconds, the unit ffmpeg's -timeout expects. When proxy is empty the
// "-http_proxy <proxy>" pair is removed entirely.
func BuildArgs(template, link, proxy string, timeoutSeconds int) ([]string, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty relay command template")
	}
	micros := strconv.Itoa(timeoutSeconds * 1000000)

	var args []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if proxy == "" && f == "-http_proxy" && i+1 < len(fields) && fields[i+1] == "<proxy>" {
			i++
			continue
		}
		switch f {
		case "<url>":
			args = append(args, link)
		case "<proxy>":
			args = append(args, proxy)
		case "<timeout>":
			args = append(args, micros)
		default:
			if strings.HasPrefix(f, "<") && strings.HasSuffix(f, ">") {
				return nil, fmt.Errorf("unknown placeholder %q in relay command", f)
			}
			args = append(args, f)
		}
	}
	if !strings.Contains(template, "<url>") {
		return nil, fmt.Errorf("relay command template has no <url> placeholder")
	}
	return args, nil
}

// WebArgs returns the browser playback command for link. The proxy, when set,
// is prepended as an input option.
func WebArgs(link, proxy string) []string {
	var args []string
	if proxy != "" {
		args = append(args, "-http_proxy", proxy)
	}
	for _, f := range webArgsTemplate {
		if f == "<url>" {
			f = link
		}
		args = append(args, f)
	}
	return args
}

// ProbeArgs returns the ffprobe liveness-check arguments for link.
func ProbeArgs(link, proxy string, timeoutSeconds int) []string {
	var args []string
	args = append(args, "-timeout", strconv.Itoa(timeoutSeconds*1000000))
	if proxy != "" {
		args = append(args, "-http_proxy", proxy)
	}
	args = append(args, "-i", link)
	return args
}
