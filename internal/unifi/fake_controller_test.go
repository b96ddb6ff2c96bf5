package unifi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/nugget/protect-motion/internal/retry"
)

// fixedNow is the clock used by test clients.
var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

const (
	testToken = "dummy-auth"
	testUser  = "dummy-username"
	testPass  = "dummy-password"
)

// defaultEvents is the event feed from the detection scenarios.
const defaultEvents = `[
	{"camera":"cam-1","score":10},
	{"camera":"cam-2","score":30},
	{"camera":"cam-1","score":50},
	{"camera":"cam-2","score":70}
]`

const twoCameras = `{"cameras":[
	{"id":"cam-1","name":"Front Door","host":"192.168.1.20","mac":"AA:BB:CC:00:00:01"},
	{"id":"cam-2","name":"Driveway","host":"192.168.1.21","mac":"AA:BB:CC:00:00:02"}
]}`

// fakeController is a scripted Protect controller. Each endpoint fails
// with 503 for its first N calls (-1 means always), then answers with
// the configured body.
type fakeController struct {
	mu sync.Mutex

	authFailures   int
	authNoHeader   bool
	authStatus     int
	authBody       string
	bootFailures   int
	bootBody       string
	eventsFailures int
	eventsBody     string

	authCalls   int
	bootCalls   int
	eventsCalls int

	lastAuthPayload map[string]string
	lastBearer      string
	lastEventsQuery url.Values
}

func newFakeController(t *testing.T) (*fakeController, *httptest.Server) {
	t.Helper()
	fc := &fakeController{
		bootBody:   twoCameras,
		eventsBody: defaultEvents,
	}
	srv := httptest.NewTLSServer(http.HandlerFunc(fc.serveHTTP))
	t.Cleanup(srv.Close)
	return fc, srv
}

func failing(calls, failures int) bool {
	return failures < 0 || calls <= failures
}

func (fc *fakeController) serveHTTP(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case authPath:
		fc.authCalls++
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		_ = json.Unmarshal(body, &payload)
		fc.lastAuthPayload = payload

		if failing(fc.authCalls, fc.authFailures) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`dummy-fail`))
			return
		}
		if !fc.authNoHeader && fc.authStatus == 0 {
			w.Header().Set("Authorization", testToken)
		}
		if fc.authStatus != 0 {
			w.WriteHeader(fc.authStatus)
		}
		if fc.authBody != "" {
			w.Write([]byte(fc.authBody))
		} else {
			w.Write([]byte(`{}`))
		}

	case bootstrapPath:
		fc.bootCalls++
		fc.lastBearer = r.Header.Get("Authorization")
		if failing(fc.bootCalls, fc.bootFailures) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(fc.bootBody))

	case eventsPath:
		fc.eventsCalls++
		fc.lastBearer = r.Header.Get("Authorization")
		fc.lastEventsQuery = r.URL.Query()
		if failing(fc.eventsCalls, fc.eventsFailures) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(fc.eventsBody))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fc *fakeController) calls() (auth, boot, events int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.authCalls, fc.bootCalls, fc.eventsCalls
}

// testClient builds a client against srv with three attempts and a
// millisecond backoff.
func testClient(srv *httptest.Server, motionScore float64) *Client {
	c := NewClient(ClientConfig{
		BaseURL:      srv.URL,
		MotionScore:  motionScore,
		PollInterval: 10 * time.Second,
		Retry:        retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	c.now = func() time.Time { return fixedNow }
	return c
}

func testSensors() []Sensor {
	return []Sensor{{ID: "cam-1"}, {ID: "cam-2"}}
}
