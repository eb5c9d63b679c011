// Package stb speaks the Stalker/Ministra portal protocol: a query-string RPC
// over GET where every reply wraps its payload in a {"js": ...} envelope.
package stb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/macreplay/macreplay/internal/httpclient"
	"github.com/macreplay/macreplay/internal/metrics"
)

// UserAgent imitates the Qt-embedded set-top boxes the portals expect.
const UserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C)"

// ErrEmptyReply means the portal answered 200 but the envelope payload was
// missing or empty, which portals use to signal a rejected credential.
var ErrEmptyReply = errors.New("portal returned empty reply")

// Client performs portal RPCs. Requests to the same portal URL are paced by a
// shared rate limiter so bulk operations (EPG, channel listings across MACs)
// do not trip upstream abuse filters.
type Client struct {
	RPS   float64
	Burst int
	Retry httpclient.RetryPolicy

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient returns a portal client pacing each portal at rps with the given
// burst. rps <= 0 disables pacing.
func NewClient(rps float64, burst int) *Client {
	return &Client{
		RPS:      rps,
		Burst:    burst,
		Retry:    httpclient.DefaultRetryPolicy,
		limiters: map[string]*rate.Limiter{},
	}
}

func (c *Client) limiter(portalURL string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiters == nil {
		c.limiters = map[string]*rate.Limiter{}
	}
	l, ok := c.limiters[portalURL]
	if !ok {
		rps := c.RPS
		if rps <= 0 {
			rps = float64(rate.Inf)
		}
		burst := c.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
		c.limiters[portalURL] = l
	}
	return l
}

// do performs one portal RPC and decodes the {"js": ...} envelope into out.
// token may be empty (handshake is the only unauthenticated call).
func (c *Client) do(ctx context.Context, portalURL, mac, token, op string, params url.Values, out any) error {
	if err := c.limiter(portalURL).Wait(ctx); err != nil {
		return err
	}

	u, err := url.Parse(portalURL)
	if err != nil {
		return fmt.Errorf("portal url %q: %w", portalURL, err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	// Every RPC carries the AJAX marker; portals route on it.
	q.Set("JsHttpRequest", "1-xml")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.AddCookie(&http.Cookie{Name: "mac", Value: mac})
	req.AddCookie(&http.Cookie{Name: "stb_lang", Value: "en"})
	req.AddCookie(&http.Cookie{Name: "timezone", Value: "Europe/London"})
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client, err := httpclient.ForProxy(proxyFrom(ctx))
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, c.Retry)
	if err != nil {
		metrics.PortalRequests.WithLabelValues(op, "transport_error").Inc()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.PortalRequests.WithLabelValues(op, "http_error").Inc()
		return fmt.Errorf("portal %s: %s returned %s", op, u.Host, resp.Status)
	}

	body, err := io.ReadAll(httpclient.Body(resp))
	if err != nil {
		metrics.PortalRequests.WithLabelValues(op, "read_error").Inc()
		return err
	}
	var envelope struct {
		JS json.RawMessage `json:"js"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		metrics.PortalRequests.WithLabelValues(op, "bad_envelope").Inc()
		return fmt.Errorf("portal %s: decode envelope: %w", op, err)
	}
	if len(envelope.JS) == 0 || string(envelope.JS) == "null" || string(envelope.JS) == `""` || string(envelope.JS) == "false" {
		metrics.PortalRequests.WithLabelValues(op, "empty").Inc()
		return fmt.Errorf("portal %s: %w", op, ErrEmptyReply)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.JS, out); err != nil {
			metrics.PortalRequests.WithLabelValues(op, "bad_payload").Inc()
			return fmt.Errorf("portal %s: decode payload: %w", op, err)
		}
	}
	metrics.PortalRequests.WithLabelValues(op, "ok").Inc()
	return nil
}

type proxyKey struct{}

// WithProxy routes all portal requests made under ctx through proxyURL.
func WithProxy(ctx context.Context, proxyURL string) context.Context {
	if proxyURL == "" {
		return ctx
	}
	return context.WithValue(ctx, proxyKey{}, proxyURL)
}

func proxyFrom(ctx context.Context) string {
	if v, ok := ctx.Value(proxyKey{}).(string); ok {
		return v
	}
	return ""
}

// Handshake opens a session for the MAC and returns its bearer token.
func (c *Client) Handshake(ctx context.Context, portalURL, mac string) (string, error) {
	var js struct {
		Token string `json:"token"`
	}
	params := url.Values{"type": {"stb"}, "action": {"handshake"}, "token": {""}}
	if err := c.do(ctx, portalURL, mac, "", "handshake", params, &js); err != nil {
		return "", err
	}
	if js.Token == "" {
		return "", fmt.Errorf("handshake: %w", ErrEmptyReply)
	}
	return js.Token, nil
}

// Profile fetches the STB profile for the session. The payload itself is not
// interesting; an empty reply means the portal rejected the MAC.
func (c *Client) Profile(ctx context.Context, portalURL, mac, token string) error {
	var js json.RawMessage
	params := url.Values{"type": {"stb"}, "action": {"get_profile"}}
	return c.do(ctx, portalURL, mac, token, "get_profile", params, &js)
}

// Expiry returns the account validity marker. Ministra reports it in the
// "phone" field of the main account info; any non-empty value means the
// subscription is live.
func (c *Client) Expiry(ctx context.Context, portalURL, mac, token string) (string, error) {
	var js struct {
		Phone string `json:"phone"`
	}
	params := url.Values{"type": {"account_info"}, "action": {"get_main_info"}}
	if err := c.do(ctx, portalURL, mac, token, "get_main_info", params, &js); err != nil {
		return "", err
	}
	return js.Phone, nil
}

// Channels returns the portal's full channel listing.
func (c *Client) Channels(ctx context.Context, portalURL, mac, token string) ([]Channel, error) {
	var js struct {
		Data []Channel `json:"data"`
	}
	params := url.Values{
		"type":                {"itv"},
		"action":              {"get_all_channels"},
		"force_ch_link_check": {""},
	}
	if err := c.do(ctx, portalURL, mac, token, "get_all_channels", params, &js); err != nil {
		return nil, err
	}
	if len(js.Data) == 0 {
		return nil, fmt.Errorf("get_all_channels: %w", ErrEmptyReply)
	}
	return js.Data, nil
}

// Genres returns the genre id to title map.
func (c *Client) Genres(ctx context.Context, portalURL, mac, token string) (map[string]string, error) {
	var js []struct {
		ID    flexString `json:"id"`
		Title string     `json:"title"`
	}
	params := url.Values{"type": {"itv"}, "action": {"get_genres"}}
	if err := c.do(ctx, portalURL, mac, token, "get_genres", params, &js); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(js))
	for _, g := range js {
		out[g.ID.String()] = g.Title
	}
	return out, nil
}

// CreateLink exchanges a channel cmd for a playable URL. The portal replies
// with a cmd string whose last whitespace-separated token is the link.
func (c *Client) CreateLink(ctx context.Context, portalURL, mac, token, cmd string) (string, error) {
	var js struct {
		Cmd string `json:"cmd"`
	}
	params := url.Values{
		"type":                {"itv"},
		"action":              {"create_link"},
		"cmd":                 {cmd},
		"series":              {"0"},
		"forced_storage":      {"false"},
		"disable_ad":          {"false"},
		"download":            {"false"},
		"force_ch_link_check": {"false"},
	}
	if err := c.do(ctx, portalURL, mac, token, "create_link", params, &js); err != nil {
		return "", err
	}
	fields := strings.Fields(js.Cmd)
	if len(fields) == 0 {
		return "", fmt.Errorf("create_link: %w", ErrEmptyReply)
	}
	return fields[len(fields)-1], nil
}

// EPG fetches the guide for the next periodHours, keyed by channel id.
func (c *Client) EPG(ctx context.Context, portalURL, mac, token string, periodHours int) (map[string][]Programme, error) {
	var js struct {
		Data map[string][]Programme `json:"data"`
	}
	params := url.Values{
		"type":   {"itv"},
		"action": {"get_epg_info"},
		"period": {fmt.Sprintf("%d", periodHours)},
	}
	if err := c.do(ctx, portalURL, mac, token, "get_epg_info", params, &js); err != nil {
		return nil, err
	}
	return js.Data, nil
}

// TestMAC runs the credential check sequence (handshake, profile, account
// info) and returns the expiry marker when the MAC is accepted.
func (c *Client) TestMAC(ctx context.Context, portalURL, mac string) (string, error) {
	token, err := c.Handshake(ctx, portalURL, mac)
	if err != nil {
		return "", err
	}
	if err := c.Profile(ctx, portalURL, mac, token); err != nil {
		return "", err
	}
	expiry, err := c.Expiry(ctx, portalURL, mac, token)
	if err != nil {
		return "", err
	}
	if expiry == "" {
		return "", fmt.Errorf("mac %s: no active subscription", mac)
	}
	return expiry, nil
}
