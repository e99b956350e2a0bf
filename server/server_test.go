package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/transport"
)

func TestRouter(t *testing.T) {
	srv, err := transport.Listen("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	reg := prometheus.NewRegistry()
	lib.NewMetrics(reg, "utcp", "")
	ts := httptest.NewServer(router(reg, srv))
	defer ts.Close()

	testCases := []struct {
		path     string
		status   int
		contains string
	}{
		{"/healthz", http.StatusOK, "ok peers=0"},
		{"/metrics", http.StatusOK, "utcp_connections"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tc := range testCases {
		resp, err := http.Get(ts.URL + tc.path)
		if err != nil {
			t.Fatalf("For %s, expected a response, but got %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Errorf("For %s, expected status %d, but got %d", tc.path, tc.status, resp.StatusCode)
		}
		if !strings.Contains(string(body), tc.contains) {
			t.Errorf("For %s, expected body to contain %q, but got %q", tc.path, tc.contains, body)
		}
	}
}

func TestLoadConfigFallback(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := loadConfig(missing, false); err != nil {
		t.Errorf("For missing default config, expected defaults, but got %v", err)
	}
	if _, err := loadConfig(missing, true); err == nil {
		t.Errorf("For missing explicit config, expected an error")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("pool_size: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(bad, false); err == nil {
		t.Errorf("For invalid config, expected an error")
	}
}
