package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func startTestServer(t *testing.T, reg *prometheus.Registry) *Server {
	t.Helper()
	srv := NewServerWithRegistry("127.0.0.1:0", reg)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCompactionMetricsWithRegistry(reg)
	m.RecordBacklog(3, 10, 1000)

	srv := startTestServer(t, reg)

	status, body := httpGet(t, fmt.Sprintf("http://%s/metrics", srv.Addr()))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(body, "iox_compactor_backlog_partitions 3") {
		t.Errorf("metrics output missing backlog gauge:\n%s", body)
	}
}

func TestServerHealthz(t *testing.T) {
	srv := startTestServer(t, prometheus.NewRegistry())

	status, body := httpGet(t, fmt.Sprintf("http://%s/healthz", srv.Addr()))
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if body != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
}

func TestServerReadyz(t *testing.T) {
	t.Run("no check installed", func(t *testing.T) {
		srv := startTestServer(t, prometheus.NewRegistry())
		status, _ := httpGet(t, fmt.Sprintf("http://%s/readyz", srv.Addr()))
		if status != http.StatusOK {
			t.Errorf("status = %d, want 200", status)
		}
	})

	t.Run("check passes", func(t *testing.T) {
		srv := NewServerWithRegistry("127.0.0.1:0", prometheus.NewRegistry())
		srv.SetReadyCheck(func(context.Context) error { return nil })
		if err := srv.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer srv.Close()

		status, _ := httpGet(t, fmt.Sprintf("http://%s/readyz", srv.Addr()))
		if status != http.StatusOK {
			t.Errorf("status = %d, want 200", status)
		}
	})

	t.Run("check fails", func(t *testing.T) {
		srv := NewServerWithRegistry("127.0.0.1:0", prometheus.NewRegistry())
		srv.SetReadyCheck(func(context.Context) error { return errors.New("catalog unreachable") })
		if err := srv.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer srv.Close()

		status, body := httpGet(t, fmt.Sprintf("http://%s/readyz", srv.Addr()))
		if status != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", status)
		}
		if !strings.Contains(body, "catalog unreachable") {
			t.Errorf("body = %q, want check error", body)
		}
	})
}

func TestServerAddr(t *testing.T) {
	srv := NewServerWithRegistry("127.0.0.1:0", prometheus.NewRegistry())

	// Before start: the configured address.
	if got := srv.Addr(); got != "127.0.0.1:0" {
		t.Errorf("Addr() = %q before start", got)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	// After start: the real bound port.
	if got := srv.Addr(); strings.HasSuffix(got, ":0") {
		t.Errorf("Addr() = %q, want resolved port", got)
	}
}

func TestServerCloseBeforeStart(t *testing.T) {
	srv := NewServer(":9090")
	if err := srv.Close(); err != nil {
		t.Errorf("Close before Start should be a no-op, got: %v", err)
	}
}
