package unifi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nugget/protect-motion/internal/config"
)

func TestAuthenticate_Success(t *testing.T) {
	fc, srv := newFakeController(t)
	client := testClient(srv, 50)

	session, err := client.Authenticate(context.Background(), "valid@example.com", "validPassword")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if session.Token != testToken {
		t.Errorf("Token = %q, want %q", session.Token, testToken)
	}
	if !session.CreatedAt.Equal(fixedNow) {
		t.Errorf("CreatedAt = %v, want %v", session.CreatedAt, fixedNow)
	}
	if auth, _, _ := fc.calls(); auth != 1 {
		t.Errorf("auth calls = %d, want 1", auth)
	}
	if fc.lastAuthPayload["username"] != "valid@example.com" || fc.lastAuthPayload["password"] != "validPassword" {
		t.Errorf("auth payload = %v", fc.lastAuthPayload)
	}
}

func TestAuthenticate_StripsBearerPrefix(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Authorization", "Bearer abc123")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	session, err := testClient(srv, 50).Authenticate(context.Background(), testUser, testPass)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if session.Token != "abc123" {
		t.Errorf("Token = %q, want %q", session.Token, "abc123")
	}
}

func TestAuthenticate_EmptyCredentials(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
	}{
		{"empty username", "", "x"},
		{"empty password", "x", ""},
		{"both empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, srv := newFakeController(t)
			client := testClient(srv, 50)

			_, err := client.Authenticate(context.Background(), tt.username, tt.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("error = %v, want ErrInvalidCredentials", err)
			}
			if auth, _, _ := fc.calls(); auth != 0 {
				t.Errorf("auth calls = %d, want 0", auth)
			}
		})
	}
}

func TestAuthenticate_UnreachableFirstTime(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.authFailures = 1
	client := testClient(srv, 50)

	session, err := client.Authenticate(context.Background(), testUser, testPass)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if session.Token == "" {
		t.Error("expected a token")
	}
	if auth, _, _ := fc.calls(); auth != 2 {
		t.Errorf("auth calls = %d, want 2", auth)
	}
}

func TestAuthenticate_Unreachable(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.authFailures = -1
	client := testClient(srv, 50)

	_, err := client.Authenticate(context.Background(), testUser, testPass)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 in %v", err)
	}
	if auth, _, _ := fc.calls(); auth != 3 {
		t.Errorf("auth calls = %d, want 3", auth)
	}
}

func TestAuthenticate_ConnectionRefused(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	client := testClient(srv, 50)
	srv.Close()

	_, err := client.Authenticate(context.Background(), testUser, testPass)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Err == nil {
		t.Errorf("expected a TransportError wrapping the dial error, got %#v", err)
	}
}

func TestAuthenticate_ResponseWithoutToken(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.authNoHeader = true
	fc.authBody = `{"error":"dummy-fail"}`
	client := testClient(srv, 50)

	_, err := client.Authenticate(context.Background(), testUser, testPass)
	if !errors.Is(err, ErrAuthenticationRejected) {
		t.Fatalf("error = %v, want ErrAuthenticationRejected", err)
	}
	if auth, _, _ := fc.calls(); auth != 1 {
		t.Errorf("auth calls = %d, want 1 (rejection is not retried)", auth)
	}
}

func TestAuthenticate_Unauthorized(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.authStatus = http.StatusUnauthorized
	fc.authBody = `{"error":"Invalid credentials"}`
	client := testClient(srv, 50)

	_, err := client.Authenticate(context.Background(), testUser, "wrong")
	if !errors.Is(err, ErrAuthenticationRejected) {
		t.Fatalf("error = %v, want ErrAuthenticationRejected", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Error("401 on login must not be reported as a transport failure")
	}
	if auth, _, _ := fc.calls(); auth != 1 {
		t.Errorf("auth calls = %d, want 1", auth)
	}
}

func TestIsSessionValid(t *testing.T) {
	_, srv := newFakeController(t)
	client := testClient(srv, 50)

	tests := []struct {
		name    string
		session *Session
		wantErr error
	}{
		{"absent", nil, ErrNoSession},
		{"fresh", &Session{Token: "t", CreatedAt: fixedNow}, nil},
		{"just under ttl", &Session{Token: "t", CreatedAt: fixedNow.Add(-SessionTTL + time.Nanosecond)}, nil},
		{"exactly ttl", &Session{Token: "t", CreatedAt: fixedNow.Add(-SessionTTL)}, ErrSessionExpired},
		{"past ttl", &Session{Token: "t", CreatedAt: fixedNow.Add(-SessionTTL - time.Millisecond)}, ErrSessionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.IsSessionValid(tt.session)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != *tt.session {
				t.Errorf("session = %+v, want unchanged %+v", got, *tt.session)
			}
		})
	}
}

func TestEnumerateSensors_TwoCameras(t *testing.T) {
	fc, srv := newFakeController(t)
	client := testClient(srv, 50)

	sensors, err := client.EnumerateSensors(context.Background(), Session{Token: testToken, CreatedAt: fixedNow})
	if err != nil {
		t.Fatalf("EnumerateSensors: %v", err)
	}
	if len(sensors) != 2 {
		t.Fatalf("expected 2 sensors, got %d", len(sensors))
	}

	want := Sensor{ID: "cam-1", Name: "Front Door", Address: "192.168.1.20", HardwareID: "AA:BB:CC:00:00:01"}
	if sensors[0] != want {
		t.Errorf("sensors[0] = %+v, want %+v", sensors[0], want)
	}
	if sensors[1].ID != "cam-2" {
		t.Errorf("expected controller order, sensors[1].ID = %q", sensors[1].ID)
	}
	if fc.lastBearer != "Bearer "+testToken {
		t.Errorf("Authorization = %q, want %q", fc.lastBearer, "Bearer "+testToken)
	}
	if _, boot, _ := fc.calls(); boot != 1 {
		t.Errorf("bootstrap calls = %d, want 1", boot)
	}
}

func TestEnumerateSensors_UnreachableFirstTime(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.bootFailures = 1
	client := testClient(srv, 50)

	sensors, err := client.EnumerateSensors(context.Background(), Session{Token: testToken})
	if err != nil {
		t.Fatalf("EnumerateSensors: %v", err)
	}
	if len(sensors) != 2 {
		t.Errorf("expected 2 sensors, got %d", len(sensors))
	}
	if _, boot, _ := fc.calls(); boot != 2 {
		t.Errorf("bootstrap calls = %d, want 2", boot)
	}
}

func TestEnumerateSensors_Unreachable(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.bootFailures = -1
	client := testClient(srv, 50)

	_, err := client.EnumerateSensors(context.Background(), Session{Token: testToken})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	if _, boot, _ := fc.calls(); boot != 3 {
		t.Errorf("bootstrap calls = %d, want 3", boot)
	}
}

func TestEnumerateSensors_MissingCameras(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"error object", `{"error":"Unauthorized"}`},
		{"null cameras", `{"cameras":null}`},
		{"not json", `{invalid`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, srv := newFakeController(t)
			fc.bootBody = tt.body
			client := testClient(srv, 50)

			_, err := client.EnumerateSensors(context.Background(), Session{Token: testToken})
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("error = %v, want ErrMalformedResponse", err)
			}
			if _, boot, _ := fc.calls(); boot != 1 {
				t.Errorf("bootstrap calls = %d, want 1 (not retried)", boot)
			}
		})
	}
}

func TestEnumerateSensors_NoCameras(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.bootBody = `{"cameras":[]}`
	client := testClient(srv, 50)

	sensors, err := client.EnumerateSensors(context.Background(), Session{Token: testToken})
	if err != nil {
		t.Fatalf("EnumerateSensors: %v", err)
	}
	if len(sensors) != 0 {
		t.Errorf("expected no sensors, got %d", len(sensors))
	}
}

func TestDetectMotion_Threshold(t *testing.T) {
	tests := []struct {
		threshold float64
		cam1      bool
		cam2      bool
	}{
		{50, true, true},   // cam-1 scores 50, cam-2 scores 70
		{80, false, false}, // nothing reaches 80
		{60, false, true},
		{70, false, true},
		{71, false, false},
	}

	for _, tt := range tests {
		t.Run(strconv.FormatFloat(tt.threshold, 'f', -1, 64), func(t *testing.T) {
			fc, srv := newFakeController(t)
			client := testClient(srv, tt.threshold)

			sensors, err := client.DetectMotion(context.Background(), Session{Token: testToken}, testSensors())
			if err != nil {
				t.Fatalf("DetectMotion: %v", err)
			}
			if len(sensors) != 2 {
				t.Fatalf("expected 2 sensors, got %d", len(sensors))
			}
			if sensors[0].MotionDetected != tt.cam1 {
				t.Errorf("cam-1 motion = %v, want %v", sensors[0].MotionDetected, tt.cam1)
			}
			if sensors[1].MotionDetected != tt.cam2 {
				t.Errorf("cam-2 motion = %v, want %v", sensors[1].MotionDetected, tt.cam2)
			}
			if _, _, events := fc.calls(); events != 1 {
				t.Errorf("events calls = %d, want 1", events)
			}
		})
	}
}

func TestDetectMotion_ClearsStaleMotion(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.eventsBody = `[]`
	client := testClient(srv, 50)

	targets := []Sensor{{ID: "cam-1", MotionDetected: true}, {ID: "cam-2", MotionDetected: true}}
	sensors, err := client.DetectMotion(context.Background(), Session{Token: testToken}, targets)
	if err != nil {
		t.Fatalf("DetectMotion: %v", err)
	}
	for _, s := range sensors {
		if s.MotionDetected {
			t.Errorf("%s still reports motion with no events", s.ID)
		}
	}
}

func TestDetectMotion_UpdatesTargetsInPlace(t *testing.T) {
	_, srv := newFakeController(t)
	client := testClient(srv, 50)

	targets := testSensors()
	if _, err := client.DetectMotion(context.Background(), Session{Token: testToken}, targets); err != nil {
		t.Fatalf("DetectMotion: %v", err)
	}
	if !targets[0].MotionDetected || !targets[1].MotionDetected {
		t.Errorf("targets not updated in place: %+v", targets)
	}
}

func TestDetectMotion_LogsAtTrace(t *testing.T) {
	_, srv := newFakeController(t)
	client := testClient(srv, 50)

	var buf bytes.Buffer
	client.logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level:       config.LevelTrace,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	if _, err := client.DetectMotion(context.Background(), Session{Token: testToken}, testSensors()); err != nil {
		t.Fatalf("DetectMotion: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "level=TRACE") || !strings.Contains(out, "motion events evaluated") {
		t.Errorf("trace line missing from log:\n%s", out)
	}

	buf.Reset()
	client.logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if _, err := client.DetectMotion(context.Background(), Session{Token: testToken}, testSensors()); err != nil {
		t.Fatalf("DetectMotion: %v", err)
	}
	if strings.Contains(buf.String(), "motion events evaluated") {
		t.Errorf("trace line logged at debug level:\n%s", buf.String())
	}
}

func TestDetectMotion_QueryWindow(t *testing.T) {
	fc, srv := newFakeController(t)
	client := testClient(srv, 50)

	if _, err := client.DetectMotion(context.Background(), Session{Token: testToken}, testSensors()); err != nil {
		t.Fatalf("DetectMotion: %v", err)
	}

	q := fc.lastEventsQuery
	wantEnd := strconv.FormatInt(fixedNow.UnixMilli(), 10)
	wantStart := strconv.FormatInt(fixedNow.Add(-20*time.Second).UnixMilli(), 10)
	if q.Get("end") != wantEnd {
		t.Errorf("end = %q, want %q", q.Get("end"), wantEnd)
	}
	if q.Get("start") != wantStart {
		t.Errorf("start = %q, want %q", q.Get("start"), wantStart)
	}
	if q.Get("type") != "motion" {
		t.Errorf("type = %q, want motion", q.Get("type"))
	}
	if fc.lastBearer != "Bearer "+testToken {
		t.Errorf("Authorization = %q", fc.lastBearer)
	}
}

func TestDetectMotion_RemoteError(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.eventsBody = `{"error":"Failed"}`
	client := testClient(srv, 50)

	_, err := client.DetectMotion(context.Background(), Session{Token: testToken}, testSensors())
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("error = %v, want ErrRemote", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	if _, _, events := fc.calls(); events != 1 {
		t.Errorf("events calls = %d, want 1 (remote errors are not retried)", events)
	}
}

func TestDetectMotion_MalformedBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{invalid`},
		{"object without error", `{"events":[]}`},
		{"wrong type", `"motion"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, srv := newFakeController(t)
			fc.eventsBody = tt.body
			client := testClient(srv, 50)

			_, err := client.DetectMotion(context.Background(), Session{Token: testToken}, testSensors())
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestDetectMotion_UnreachableFirstTime(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.eventsFailures = 1
	client := testClient(srv, 50)

	sensors, err := client.DetectMotion(context.Background(), Session{Token: testToken}, testSensors())
	if err != nil {
		t.Fatalf("DetectMotion: %v", err)
	}
	if len(sensors) != 2 {
		t.Errorf("expected 2 sensors, got %d", len(sensors))
	}
	if _, _, events := fc.calls(); events != 2 {
		t.Errorf("events calls = %d, want 2", events)
	}
}

func TestDetectMotion_Unreachable(t *testing.T) {
	fc, srv := newFakeController(t)
	fc.eventsFailures = -1
	client := testClient(srv, 50)

	_, err := client.DetectMotion(context.Background(), Session{Token: testToken}, testSensors())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	if _, _, events := fc.calls(); events != 3 {
		t.Errorf("events calls = %d, want 3", events)
	}
}

func TestApplyEvents_UnknownCameraIgnored(t *testing.T) {
	targets := []Sensor{{ID: "cam-1"}}
	applyEvents(targets, []MotionEvent{{Camera: "cam-9", Score: 100}}, 50)
	if targets[0].MotionDetected {
		t.Error("event for another camera set motion")
	}
}
