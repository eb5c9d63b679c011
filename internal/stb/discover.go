package stb

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/macreplay/macreplay/internal/httpclient"
)

// probePaths are the known locations of the Ministra bootstrap script,
// checked in order.
var probePaths = []string{
	"/c/xpcom.common.js",
	"/client/xpcom.common.js",
	"/c_/xpcom.common.js",
	"/stalker_portal/c/xpcom.common.js",
	"/stalker_portal/c_/xpcom.common.js",
}

var (
	urlPatternRe = regexp.MustCompile(`varpattern.*/(\(http.*)/;`)
	protocolRe   = regexp.MustCompile(`this\.portal_protocol.*(\d).*;`)
	ipRe         = regexp.MustCompile(`this\.portal_ip.*(\d).*;`)
	pathRe       = regexp.MustCompile(`this\.portal_path.*(\d).*;`)
	loaderRe     = regexp.MustCompile(`this\.ajax_loader=(.*\.php);`)
)

// DiscoverEndpoint turns a bare portal base URL (scheme://host[:port]) into
// the full RPC endpoint by fetching the portal's xpcom.common.js bootstrap
// script and evaluating the URL-assembly logic it carries. When a proxy is
// configured and the proxied pass finds nothing, the paths are probed again
// directly: bootstrap scripts are often reachable even when the proxy is not.
func DiscoverEndpoint(ctx context.Context, baseURL, proxyURL string) (string, error) {
	client, err := httpclient.ForProxy(proxyURL)
	if err != nil {
		return "", err
	}
	endpoint, err := discoverWith(ctx, client, baseURL)
	if err != nil && proxyURL != "" {
		log.Printf("stb: portal=%s proxied discovery failed (%v), retrying direct", baseURL, err)
		return discoverWith(ctx, httpclient.Default(), baseURL)
	}
	return endpoint, err
}

func discoverWith(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	var lastErr error
	for _, p := range probePaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+p, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", UserAgent)
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(httpclient.Body(resp))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("probe %s: status %d", p, resp.StatusCode)
			continue
		}
		endpoint, err := parseBootstrap(baseURL, string(body))
		if err != nil {
			lastErr = fmt.Errorf("probe %s: %w", p, err)
			continue
		}
		log.Printf("stb: portal=%s endpoint resolved via %s: %s", baseURL, p, endpoint)
		return endpoint, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no bootstrap script found")
	}
	return "", fmt.Errorf("discover %s: %w", baseURL, lastErr)
}

// parseBootstrap extracts the endpoint template from the bootstrap script.
// The script defines a URL-matching regex plus capture-group indices for the
// protocol, host and path, and an ajax_loader template referencing them.
func parseBootstrap(baseURL, script string) (string, error) {
	// The script arrives with arbitrary spacing and string concatenation;
	// collapsing spaces, quotes and plus signs leaves the bare expressions.
	js := strings.NewReplacer(" ", "", "'", "", "+", "").Replace(script)

	m := urlPatternRe.FindStringSubmatch(js)
	if m == nil {
		return "", fmt.Errorf("no url pattern in bootstrap")
	}
	urlRe, err := regexp.Compile(m[1])
	if err != nil {
		return "", fmt.Errorf("bootstrap url pattern: %w", err)
	}
	groups := urlRe.FindStringSubmatch(baseURL)
	if groups == nil {
		return "", fmt.Errorf("portal url does not match bootstrap pattern")
	}

	pick := func(re *regexp.Regexp, what string) (string, error) {
		gm := re.FindStringSubmatch(js)
		if gm == nil {
			return "", fmt.Errorf("no %s index in bootstrap", what)
		}
		idx, err := strconv.Atoi(gm[1])
		if err != nil || idx < 0 || idx >= len(groups) {
			return "", fmt.Errorf("bad %s index %q", what, gm[1])
		}
		return groups[idx], nil
	}
	protocol, err := pick(protocolRe, "protocol")
	if err != nil {
		return "", err
	}
	ip, err := pick(ipRe, "ip")
	if err != nil {
		return "", err
	}
	path, err := pick(pathRe, "path")
	if err != nil {
		return "", err
	}

	lm := loaderRe.FindStringSubmatch(js)
	if lm == nil {
		return "", fmt.Errorf("no ajax_loader in bootstrap")
	}
	endpoint := strings.NewReplacer(
		"this.portal_protocol", protocol,
		"this.portal_ip", ip,
		"this.portal_path", path,
	).Replace(lm[1])
	if !strings.HasSuffix(endpoint, ".php") {
		return "", fmt.Errorf("bootstrap produced non-endpoint %q", endpoint)
	}
	return endpoint, nil
}
