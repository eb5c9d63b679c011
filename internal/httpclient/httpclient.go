package httpclient

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	xproxy "golang.org/x/net/proxy"
)

const (
	// DefaultTimeout bounds every portal request.
	DefaultTimeout         = 5 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: newTransport(),
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
	}
}

// Default returns the shared tuned HTTP client used for direct portal requests.
func Default() *http.Client {
	return defaultClient
}

var (
	proxyMu      sync.Mutex
	proxyClients = map[string]*http.Client{}
)

// ForProxy returns a client routing through the given proxy URL. http/https
// proxies go through the transport proxy hook; socks5:// URLs get a SOCKS
// dialer. Clients are cached per proxy string. An empty proxy returns Default.
func ForProxy(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return Default(), nil
	}
	proxyMu.Lock()
	defer proxyMu.Unlock()
	if c, ok := proxyClients[proxyURL]; ok {
		return c, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", proxyURL, err)
	}
	t := newTransport()
	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := xproxy.FromURL(u, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks proxy %q: %w", proxyURL, err)
		}
		t.Dial = dialer.Dial
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	c := &http.Client{Timeout: DefaultTimeout, Transport: t}
	proxyClients[proxyURL] = c
	return c, nil
}

// Body returns a reader for the response body, decoding brotli or gzip when
// the server compressed the payload. Some Ministra front-ends serve br even
// to set-top user agents.
func Body(resp *http.Response) io.Reader {
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		return brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body
		}
		return gz
	}
	return resp.Body
}
