package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/protect-motion/internal/connwatch"
	"github.com/nugget/protect-motion/internal/unifi"
)

func TestObserveFlow(t *testing.T) {
	m := New()

	m.ObserveFlow("detect", nil)
	m.ObserveFlow("detect", nil)
	m.ObserveFlow("detect", errors.New("boom"))
	m.ObserveFlow("enumerate", nil)

	tests := []struct {
		flow, result string
		want         float64
	}{
		{"detect", "ok", 2},
		{"detect", "error", 1},
		{"enumerate", "ok", 1},
		{"enumerate", "error", 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.flows.WithLabelValues(tt.flow, tt.result))
		if got != tt.want {
			t.Errorf("flow_total{%s,%s} = %v, want %v", tt.flow, tt.result, got, tt.want)
		}
	}
}

func TestSensorsAndRetries(t *testing.T) {
	m := New()

	m.SetSensors(3)
	m.ObserveRetry()
	m.ObserveRetry()

	if got := testutil.ToFloat64(m.sensors); got != 3 {
		t.Errorf("sensors = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.retries); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
}

func TestSetMotionAndRemove(t *testing.T) {
	m := New()

	m.SetMotion(unifi.Sensor{ID: "cam-1", Name: "Front Door", MotionDetected: true})
	m.SetMotion(unifi.Sensor{ID: "cam-2", Name: "Driveway"})

	if got := testutil.ToFloat64(m.motion.WithLabelValues("cam-1", "Front Door")); got != 1 {
		t.Errorf("cam-1 detected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.motion.WithLabelValues("cam-2", "Driveway")); got != 0 {
		t.Errorf("cam-2 detected = %v, want 0", got)
	}

	m.RemoveSensor("cam-1")
	if n := testutil.CollectAndCount(m.motion); n != 1 {
		t.Errorf("series after removal = %d, want 1", n)
	}
}

func TestObservePoll(t *testing.T) {
	m := New()
	m.ObservePoll(250 * time.Millisecond)

	if n := testutil.CollectAndCount(m.pollDuration); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

type fakeStatus map[string]connwatch.ServiceStatus

func (f fakeStatus) Status() map[string]connwatch.ServiceStatus { return f }

func TestWatchServices(t *testing.T) {
	m := New()
	m.WatchServices(fakeStatus{
		"controller": {Name: "controller", Ready: true},
		"broker":     {Name: "broker", Failures: 4},
	})

	body := scrape(t, m)
	for _, want := range []string{
		`protect_motion_service_up{service="controller"} 1`,
		`protect_motion_service_up{service="broker"} 0`,
		`protect_motion_service_consecutive_failures{service="broker"} 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestHandlerExposesBuildInfo(t *testing.T) {
	m := New()
	m.ObserveFlow("enumerate", nil)

	body := scrape(t, m)
	for _, want := range []string{
		"protect_motion_build_info{",
		`protect_motion_flow_total{flow="enumerate",result="ok"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Serve(ctx, addr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}
