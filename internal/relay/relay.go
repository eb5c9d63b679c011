// Package relay runs the ffmpeg child processes that repackage upstream
// streams for clients, and the ffprobe liveness checks that guard admission.
package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"time"

	"github.com/macreplay/macreplay/internal/metrics"
)

// chunkSize is the fixed copy unit from ffmpeg stdout to the client, flushed
// per chunk to keep player startup latency low.
const chunkSize = 1024

// Manager spawns and supervises relay and probe child processes.
type Manager struct {
	FFmpegPath     string
	FFprobePath    string
	Command        string // argument template for MPEG-TS relays
	TimeoutSeconds int
}

// Probe checks that link is actually playable by running ffprobe against it.
// A nil return means the stream opened within the timeout.
func (m *Manager) Probe(ctx context.Context, link, proxy string) error {
	timeout := time.Duration(m.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	// ffprobe's own -timeout only covers the socket; bound the whole run too.
	ctx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()

	args := ProbeArgs(link, proxy, m.TimeoutSeconds)
	cmd := exec.CommandContext(ctx, m.FFprobePath, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("probe %s: %w", link, err)
	}
	return nil
}

// Stream relays link to the HTTP client until the client disconnects or the
// child exits. web switches to the fragmented-MP4 command. A non-nil error
// means the child failed while the client was still connected; the caller
// should rotate the MAC that produced the link.
func (m *Manager) Stream(w http.ResponseWriter, r *http.Request, link, proxy string, web bool) error {
	var args []string
	if web {
		args = WebArgs(link, proxy)
	} else {
		built, err := BuildArgs(m.Command, link, proxy, m.TimeoutSeconds)
		if err != nil {
			return err
		}
		args = built
	}

	ctx := r.Context()
	cmd := exec.CommandContext(ctx, m.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", m.FFmpegPath, err)
	}
	log.Printf("relay: pid=%d link=%s web=%t", cmd.Process.Pid, link, web)

	// Clients sniff the payload; HDHomeRun consumers in particular expect a
	// plain octet stream rather than a media type here.
	w.Header().Set("Content-Type", "application/octet-stream")

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	var copyErr error
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				copyErr = werr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				copyErr = rerr
			}
			break
		}
	}

	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		// Client went away; CommandContext killed the child.
		metrics.RelayExits.WithLabelValues("killed").Inc()
		log.Printf("relay: pid=%d client disconnected", cmd.Process.Pid)
		return nil
	case waitErr != nil:
		metrics.RelayExits.WithLabelValues("error").Inc()
		log.Printf("relay: pid=%d exited with error: %v", cmd.Process.Pid, waitErr)
		return fmt.Errorf("relay exited: %w", waitErr)
	case copyErr != nil:
		metrics.RelayExits.WithLabelValues("error").Inc()
		return fmt.Errorf("relay copy: %w", copyErr)
	default:
		metrics.RelayExits.WithLabelValues("ok").Inc()
		return nil
	}
}
