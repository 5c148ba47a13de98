package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tanyarelay/internal/logging"
	"tanyarelay/pkg/types"
)

func init() {
	logging.Discard()
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeRelay is a scriptable relay: onConn runs for each accepted socket and
// POST /api/tanya answers with postStatus.
type fakeRelay struct {
	server     *httptest.Server
	accepted   atomic.Int32
	postStatus int
	onConn     func(ws *websocket.Conn)

	// rejectDelay holds a refused dial open so overlapping attempts would show up
	rejectDelay time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32

	mu     sync.Mutex
	posted []types.PatientQuestion
	dials  []time.Time
}

func newFakeRelay(t *testing.T, onConn func(ws *websocket.Conn)) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{postStatus: http.StatusCreated, onConn: onConn}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		relay.mu.Lock()
		relay.dials = append(relay.dials, time.Now())
		relay.mu.Unlock()

		if relay.onConn == nil {
			n := relay.inflight.Add(1)
			for {
				peak := relay.maxInflight.Load()
				if n <= peak || relay.maxInflight.CompareAndSwap(peak, n) {
					break
				}
			}
			time.Sleep(relay.rejectDelay)
			relay.inflight.Add(-1)
			http.NotFound(w, r)
			return
		}
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay.accepted.Add(1)
		go relay.onConn(ws)
	})
	mux.HandleFunc("/api/tanya", func(w http.ResponseWriter, r *http.Request) {
		var q types.PatientQuestion
		if err := json.NewDecoder(r.Body).Decode(&q); err == nil {
			relay.mu.Lock()
			relay.posted = append(relay.posted, q)
			relay.mu.Unlock()
		}
		w.WriteHeader(relay.postStatus)
	})

	relay.server = httptest.NewServer(mux)
	t.Cleanup(relay.server.Close)
	return relay
}

func (f *fakeRelay) postedQuestions() []types.PatientQuestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.PatientQuestion(nil), f.posted...)
}

func (f *fakeRelay) dialTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.dials...)
}

func newTestSession(t *testing.T, serverURL string, delay time.Duration) *Session {
	t.Helper()
	s, err := NewSession(Config{ServerURL: serverURL, ClientID: "c1", Name: " Ani ", ReconnectDelay: delay})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readUntilClosed drains a server-side socket.
func readUntilClosed(ws *websocket.Conn) {
	defer ws.Close()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestNewSession_Defaults(t *testing.T) {
	s, err := NewSession(Config{ServerURL: "https://relay.example/base/"})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if !strings.HasPrefix(s.ClientID(), "patient-") || len(s.ClientID()) != len("patient-")+7 {
		t.Errorf("Unexpected generated client id '%s'", s.ClientID())
	}
	if s.config.ReconnectDelay != 3*time.Second {
		t.Errorf("Expected 3s reconnect delay, got %v", s.config.ReconnectDelay)
	}
	if !strings.HasPrefix(s.wsURL, "wss://relay.example/base/ws?") || !strings.Contains(s.wsURL, "role=patient") {
		t.Errorf("Unexpected websocket URL '%s'", s.wsURL)
	}
	if s.postURL != "https://relay.example/base/api/tanya" {
		t.Errorf("Unexpected fallback URL '%s'", s.postURL)
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", s.State())
	}
}

func TestNewSession_InvalidURL(t *testing.T) {
	for _, raw := range []string{"ftp://relay.example", "relay.example", "://bad"} {
		if _, err := NewSession(Config{ServerURL: raw}); err == nil {
			t.Errorf("%s: expected an error", raw)
		}
	}
	if _, err := NewSession(Config{ServerURL: "ftp://relay.example"}); !errors.Is(err, ErrInvalidServerURL) {
		t.Errorf("Expected ErrInvalidServerURL, got %v", err)
	}
}

func TestSession_IdentifiesOnOpen(t *testing.T) {
	frames := make(chan []byte, 4)
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	})
	s := newTestSession(t, relay.server.URL, time.Hour)

	if !s.Connect() {
		t.Fatal("First Connect should start an attempt")
	}

	select {
	case data := <-frames:
		var env map[string]interface{}
		_ = json.Unmarshal(data, &env)
		if env["type"] != "identify" || env["role"] != "patient" || env["id"] != "c1" {
			t.Errorf("Unexpected identify frame: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server never received identify")
	}

	eventually(t, time.Second, func() bool { return s.State() == StateOpen }, "session never opened")
	if s.Connect() {
		t.Error("Connect while open should be a no-op")
	}
	if s.Attempts() != 1 {
		t.Errorf("Expected 1 attempt, got %d", s.Attempts())
	}
}

func TestSession_LiveSend(t *testing.T) {
	frames := make(chan map[string]interface{}, 4)
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			var env map[string]interface{}
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			frames <- env
		}
	})
	s := newTestSession(t, relay.server.URL, time.Hour)
	s.Connect()
	eventually(t, 2*time.Second, func() bool { return s.State() == StateOpen }, "session never opened")
	<-frames // identify

	delivery, err := s.Send(context.Background(), "  Apakah benjolan berbahaya?  ")
	if err != nil || delivery != DeliveryLive {
		t.Fatalf("Expected live delivery, got %s (%v)", delivery, err)
	}

	select {
	case env := <-frames:
		payload, _ := env["payload"].(map[string]interface{})
		if env["type"] != "message" || payload["clientId"] != "c1" || payload["name"] != "Ani" {
			t.Errorf("Unexpected message frame: %v", env)
		}
		if payload["question"] != "Apakah benjolan berbahaya?" {
			t.Errorf("Expected trimmed question, got %v", payload["question"])
		}
		if _, ok := payload["timestamp"].(string); !ok {
			t.Errorf("Expected an ISO timestamp, got %v", payload["timestamp"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server never received the message")
	}

	transcript := s.Transcript()
	if len(transcript) != 1 || transcript[0].Kind != EntryPatient || transcript[0].Author != "Ani" {
		t.Errorf("Expected one patient echo, got %v", transcript)
	}
	if len(relay.postedQuestions()) != 0 {
		t.Error("Live send must not touch the fallback endpoint")
	}
}

func TestSession_InboundDispatch(t *testing.T) {
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"doctor-status","online":true}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","text":"Halo, ada yang bisa dibantu?"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","text":"Silakan","fromName":"dr. Sari"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"system"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"system","text":"selesai"}`))
		readUntilClosed(ws)
	})
	s := newTestSession(t, relay.server.URL, time.Hour)

	var mu sync.Mutex
	var statuses []bool
	s.OnStatus(func(online bool) {
		mu.Lock()
		statuses = append(statuses, online)
		mu.Unlock()
	})

	s.Connect()
	eventually(t, 2*time.Second, func() bool { return len(s.Transcript()) == 4 }, "expected 4 transcript entries")

	transcript := s.Transcript()
	expected := []Entry{
		{Kind: EntryDoctor, Author: "Dokter", Text: "Halo, ada yang bisa dibantu?"},
		{Kind: EntryDoctor, Author: "dr. Sari", Text: "Silakan"},
		{Kind: EntrySystem, Text: "[Info sistem]"},
		{Kind: EntrySystem, Text: "selesai"},
	}
	for i, want := range expected {
		got := transcript[i]
		if got.Kind != want.Kind || got.Author != want.Author || got.Text != want.Text {
			t.Errorf("Entry %d: expected %+v, got %+v", i, want, got)
		}
	}

	if !s.DoctorsOnline() {
		t.Error("Expected doctors online after doctor-status")
	}
	mu.Lock()
	defer mu.Unlock()
	// open resets to offline, then the server reports online
	if len(statuses) != 2 || statuses[0] != false || statuses[1] != true {
		t.Errorf("Expected status callbacks [false true], got %v", statuses)
	}
}

func TestSession_SingleReconnectAfterDelay(t *testing.T) {
	const delay = 200 * time.Millisecond
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		// read the identify, then hang up
		_, _, _ = ws.ReadMessage()
		_ = ws.Close()
	})
	s := newTestSession(t, relay.server.URL, delay)

	s.Connect()
	eventually(t, time.Second, func() bool { return relay.accepted.Load() == 1 }, "first attempt never arrived")
	eventually(t, time.Second, func() bool { return s.State() == StateDisconnected }, "session never noticed the drop")

	time.Sleep(delay / 2)
	if n := relay.accepted.Load(); n != 1 {
		t.Fatalf("Reconnect must wait for the delay, got %d attempts", n)
	}

	eventually(t, 2*time.Second, func() bool { return relay.accepted.Load() == 2 }, "reconnect never happened")
	time.Sleep(delay / 2)
	if n := relay.accepted.Load(); n != 2 {
		t.Errorf("Expected exactly one reconnect per drop, got %d attempts", n)
	}
}

// A relay that refuses every dial gets one new attempt per delay, never two at once.
func TestSession_RetriesEachFailureAfterDelay(t *testing.T) {
	const delay = 100 * time.Millisecond
	relay := newFakeRelay(t, nil)
	relay.rejectDelay = 20 * time.Millisecond
	s := newTestSession(t, relay.server.URL, delay)

	start := time.Now()
	s.Connect()

	eventually(t, 3*time.Second, func() bool { return len(relay.dialTimes()) >= 4 }, "session stopped retrying")
	_ = s.Close()
	time.Sleep(delay + relay.rejectDelay)

	dials := relay.dialTimes()
	if elapsed := dials[3].Sub(start); elapsed < 3*delay {
		t.Errorf("Expected the fourth attempt no earlier than %v, got %v", 3*delay, elapsed)
	}
	for i := 1; i < len(dials); i++ {
		if gap := dials[i].Sub(dials[i-1]); gap < delay {
			t.Errorf("Attempt %d followed the previous one after %v, expected at least %v", i+1, gap, delay)
		}
	}
	if peak := relay.maxInflight.Load(); peak != 1 {
		t.Errorf("Expected attempts never to overlap, saw %d at once", peak)
	}
	if s.Attempts() != len(dials) {
		t.Errorf("Expected %d attempts counted, got %d", len(dials), s.Attempts())
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected disconnected after Close, got %v", s.State())
	}
}

func TestSession_ExplicitConnectCancelsTimer(t *testing.T) {
	relay := newFakeRelay(t, nil) // every websocket attempt fails with 404
	s := newTestSession(t, relay.server.URL, time.Hour)

	s.Connect()
	eventually(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.reconnectTimer != nil
	}, "no reconnect was scheduled")

	s.mu.Lock()
	pending := s.reconnectTimer
	s.mu.Unlock()

	if !s.Connect() {
		t.Fatal("Connect while disconnected should start an attempt")
	}
	if pending.Stop() {
		t.Error("Explicit Connect should have stopped the pending timer")
	}
	if s.Attempts() != 2 {
		t.Errorf("Expected 2 attempts, got %d", s.Attempts())
	}
}

func TestSession_FallbackAccepted(t *testing.T) {
	relay := newFakeRelay(t, nil)
	s := newTestSession(t, relay.server.URL, time.Hour)

	delivery, err := s.Send(context.Background(), "Halo dok")
	if err != nil || delivery != DeliveryFallback {
		t.Fatalf("Expected fallback delivery, got %s (%v)", delivery, err)
	}

	posted := relay.postedQuestions()
	if len(posted) != 1 {
		t.Fatalf("Expected 1 POST, got %d", len(posted))
	}
	if posted[0].ClientID != "c1" || posted[0].Question != "Halo dok" || posted[0].Name != "Ani" || posted[0].Timestamp == nil {
		t.Errorf("Unexpected fallback body: %+v", posted[0])
	}

	transcript := s.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("Expected echo and notice, got %v", transcript)
	}
	if transcript[0].Kind != EntryPatient || transcript[0].Text != "Halo dok" {
		t.Errorf("Expected patient echo first, got %+v", transcript[0])
	}
	if transcript[1].Text != FallbackAcceptedText {
		t.Errorf("Expected acceptance notice, got '%s'", transcript[1].Text)
	}
}

func TestSession_FallbackFailure(t *testing.T) {
	relay := newFakeRelay(t, nil)
	relay.postStatus = http.StatusInternalServerError
	s := newTestSession(t, relay.server.URL, time.Hour)

	delivery, err := s.Send(context.Background(), "Halo dok")
	if delivery != DeliveryFailed || !errors.Is(err, ErrFallbackRejected) {
		t.Fatalf("Expected failed delivery with ErrFallbackRejected, got %s (%v)", delivery, err)
	}

	transcript := s.Transcript()
	if last := transcript[len(transcript)-1]; last.Text != FallbackFailedText {
		t.Errorf("Expected failure notice, got '%s'", last.Text)
	}
}

func TestSession_FallbackUnreachable(t *testing.T) {
	relay := newFakeRelay(t, nil)
	url := relay.server.URL
	relay.server.Close()

	s := newTestSession(t, url, time.Hour)
	delivery, err := s.Send(context.Background(), "Halo dok")
	if delivery != DeliveryFailed || err == nil {
		t.Errorf("Expected failed delivery, got %s (%v)", delivery, err)
	}
}

func TestSession_EmptyQuestionIgnored(t *testing.T) {
	relay := newFakeRelay(t, nil)
	s := newTestSession(t, relay.server.URL, time.Hour)

	for _, q := range []string{"", "   ", "\n\t"} {
		delivery, err := s.Send(context.Background(), q)
		if delivery != DeliveryIgnored || err != nil {
			t.Errorf("%q: expected ignored, got %s (%v)", q, delivery, err)
		}
	}
	if len(s.Transcript()) != 0 || len(relay.postedQuestions()) != 0 {
		t.Error("Blank questions must not be echoed or posted")
	}
}

func TestSession_CloseStopsReconnecting(t *testing.T) {
	const delay = 50 * time.Millisecond
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		_, _, _ = ws.ReadMessage()
		_ = ws.Close()
	})
	s := newTestSession(t, relay.server.URL, delay)

	s.Connect()
	eventually(t, time.Second, func() bool { return relay.accepted.Load() >= 1 }, "first attempt never arrived")
	_ = s.Close()
	n := relay.accepted.Load()

	time.Sleep(4 * delay)
	if relay.accepted.Load() != n {
		t.Errorf("Closed session kept reconnecting: %d -> %d attempts", n, relay.accepted.Load())
	}
	if s.Connect() {
		t.Error("Connect after Close should be a no-op")
	}
	if _, err := s.Send(context.Background(), "halo"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestEntry_String(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 5, 0, 0, time.UTC)
	cases := []struct {
		entry Entry
		want  string
	}{
		{Entry{Kind: EntryDoctor, Author: "Dokter", Text: "Halo", At: at}, "[09:05] Dokter: Halo"},
		{Entry{Kind: EntryPatient, Text: "Tanya", At: at}, "[09:05] Tanya"},
		{Entry{Kind: EntrySystem, Text: "info", At: at}, "[09:05] * info"},
	}
	for _, tc := range cases {
		if got := tc.entry.String(); got != tc.want {
			t.Errorf("Expected '%s', got '%s'", tc.want, got)
		}
	}
}
