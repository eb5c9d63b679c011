package stb

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

const bootstrapScript = `
var pattern = /(http[s]?):\/\/([^\/]+)\/?(.*)/;
this.portal_protocol = pattern.exec(window.location.href)[1];
this.portal_ip = pattern.exec(window.location.href)[2];
this.portal_path = pattern.exec(window.location.href)[3];
this.ajax_loader = this.portal_protocol + '://' + this.portal_ip + '/' + this.portal_path + 'server/load.php';
`

func TestDiscoverEndpoint(t *testing.T) {
	var probed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probed = append(probed, r.URL.Path)
		if r.URL.Path != "/c/xpcom.common.js" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, bootstrapScript)
	}))
	defer srv.Close()

	endpoint, err := DiscoverEndpoint(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("DiscoverEndpoint: %v", err)
	}
	if want := srv.URL + "/server/load.php"; endpoint != want {
		t.Fatalf("endpoint = %q, want %q", endpoint, want)
	}
	if len(probed) != 1 || probed[0] != "/c/xpcom.common.js" {
		t.Fatalf("unexpected probe sequence %v", probed)
	}
}

func TestDiscoverEndpointFallsThroughPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stalker_portal/c/xpcom.common.js" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, bootstrapScript)
	}))
	defer srv.Close()

	endpoint, err := DiscoverEndpoint(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("DiscoverEndpoint: %v", err)
	}
	if want := srv.URL + "/server/load.php"; endpoint != want {
		t.Fatalf("endpoint = %q, want %q", endpoint, want)
	}
}

func TestDiscoverEndpointRetriesWithoutProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/c/xpcom.common.js" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, bootstrapScript)
	}))
	defer srv.Close()

	// Nothing listens on the proxy address, so the proxied pass fails and
	// discovery must fall through to the direct pass.
	endpoint, err := DiscoverEndpoint(context.Background(), srv.URL, "http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("DiscoverEndpoint: %v", err)
	}
	if want := srv.URL + "/server/load.php"; endpoint != want {
		t.Fatalf("endpoint = %q, want %q", endpoint, want)
	}
}

func TestDiscoverEndpointNoScript(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := DiscoverEndpoint(context.Background(), srv.URL, ""); err == nil {
		t.Fatal("expected error when no bootstrap script exists")
	}
}

func TestParseBootstrapRejectsGarbage(t *testing.T) {
	if _, err := parseBootstrap("http://x", "not a bootstrap"); err == nil {
		t.Fatal("expected error")
	}
}
