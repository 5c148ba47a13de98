package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tanyarelay/internal/api"
	"tanyarelay/internal/client"
	"tanyarelay/internal/config"
	"tanyarelay/pkg/interfaces"
	"tanyarelay/pkg/types"
)

type testStack struct {
	app    *Application
	server *httptest.Server
	wsURL  string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = "file:app-" + uuid.NewString() + "?mode=memory&cache=shared"
	cfg.Log.Level = "disabled"

	app, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := app.StartBackground(context.Background()); err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}

	server := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
		server.Close()
	})

	return &testStack{
		app:    app,
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http") + cfg.WebSocket.Path,
	}
}

// doctorClient is a bare websocket peer identified as a doctor.
type doctorClient struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan map[string]interface{}
}

func (s *testStack) dialDoctor(t *testing.T) *doctorClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL+"?role=doctor", nil)
	if err != nil {
		t.Fatalf("Doctor dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	d := &doctorClient{t: t, ws: ws, frames: make(chan map[string]interface{}, 32)}
	go func() {
		for {
			var env map[string]interface{}
			if err := ws.ReadJSON(&env); err != nil {
				close(d.frames)
				return
			}
			d.frames <- env
		}
	}()

	d.send(`{"type":"identify","role":"doctor"}`)
	return d
}

func (d *doctorClient) send(frame string) {
	d.t.Helper()
	if err := d.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		d.t.Fatalf("Doctor write failed: %v", err)
	}
}

func (d *doctorClient) expect(typ string) map[string]interface{} {
	d.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-d.frames:
			if !ok {
				d.t.Fatalf("Doctor connection closed while waiting for %q", typ)
			}
			if env["type"] == typ {
				return env
			}
		case <-timeout:
			d.t.Fatalf("Doctor never received %q", typ)
			return nil
		}
	}
}

func newPatient(t *testing.T, s *testStack, clientID string) *client.Session {
	t.Helper()
	session, err := client.NewSession(client.Config{
		ServerURL:      s.server.URL,
		ClientID:       clientID,
		Name:           "Ani",
		ReconnectDelay: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func lastEntry(s *client.Session) client.Entry {
	transcript := s.Transcript()
	if len(transcript) == 0 {
		return client.Entry{}
	}
	return transcript[len(transcript)-1]
}

func TestApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = 0

	if _, err := NewApplication(cfg); err == nil {
		t.Error("Expected invalid configuration to be rejected")
	}
}

func TestApplication_LiveConversation(t *testing.T) {
	stack := newTestStack(t)
	doctor := stack.dialDoctor(t)
	patient := newPatient(t, stack, "c1")

	patient.Connect()
	waitUntil(t, 3*time.Second, patient.DoctorsOnline, "patient never saw the doctor online")

	delivery, err := patient.Send(context.Background(), "Apakah benjolan kecil berbahaya?")
	if err != nil || delivery != client.DeliveryLive {
		t.Fatalf("Expected live delivery, got %s (%v)", delivery, err)
	}

	notice := doctor.expect("tanya-received")
	payload := notice["payload"].(map[string]interface{})
	if payload["clientId"] != "c1" || payload["question"] != "Apakah benjolan kecil berbahaya?" {
		t.Errorf("Unexpected notification: %v", payload)
	}

	waitUntil(t, 3*time.Second, func() bool {
		return lastEntry(patient).Text == stack.app.config.Relay.AckForwarded
	}, "patient never got the forwarded ack")

	doctor.send(`{"type":"message","payload":{"toClientId":"c1","text":"Sebaiknya diperiksakan."}}`)
	waitUntil(t, 3*time.Second, func() bool {
		e := lastEntry(patient)
		return e.Kind == client.EntryDoctor && e.Author == "Dokter" && e.Text == "Sebaiknya diperiksakan."
	}, "patient never got the doctor reply")

	// the doctor leaving flips the indicator
	_ = doctor.ws.Close()
	waitUntil(t, 3*time.Second, func() bool { return !patient.DoctorsOnline() }, "patient never saw the doctor go offline")

	questions, err := stack.app.intake.List(context.Background(), interfaces.QuestionFilter{ClientID: "c1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(questions) != 1 || questions[0].Status != types.StatusSent || questions[0].Source != types.SourceLive {
		t.Errorf("Expected one sent/live record, got %+v", questions)
	}
}

func TestApplication_StoredWhenNoDoctor(t *testing.T) {
	stack := newTestStack(t)
	patient := newPatient(t, stack, "c1")

	patient.Connect()
	waitUntil(t, 3*time.Second, func() bool { return patient.State() == client.StateOpen }, "patient never connected")

	if _, err := patient.Send(context.Background(), "Halo?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool {
		return lastEntry(patient).Text == stack.app.config.Relay.AckStored
	}, "patient never got the stored ack")

	resp, err := http.Get(stack.server.URL + "/api/tanya?clientId=c1&status=pending")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var list api.ListQuestionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("Expected 1 pending question, got %d", list.Count)
	}
}

func TestApplication_ClientFallbackWhenDisconnected(t *testing.T) {
	stack := newTestStack(t)
	doctor := stack.dialDoctor(t)
	patient := newPatient(t, stack, "c7")

	// never connected, so Send goes through POST /api/tanya
	delivery, err := patient.Send(context.Background(), "Lewat REST")
	if err != nil || delivery != client.DeliveryFallback {
		t.Fatalf("Expected fallback delivery, got %s (%v)", delivery, err)
	}
	if lastEntry(patient).Text != client.FallbackAcceptedText {
		t.Errorf("Expected fallback notice, got '%s'", lastEntry(patient).Text)
	}

	notice := doctor.expect("tanya-received")
	if notice["payload"].(map[string]interface{})["question"] != "Lewat REST" {
		t.Errorf("Unexpected notification: %v", notice)
	}

	questions, _ := stack.app.intake.List(context.Background(), interfaces.QuestionFilter{ClientID: "c7"})
	if len(questions) != 1 || questions[0].Status != types.StatusPending || questions[0].Source != types.SourceFallback {
		t.Errorf("Expected one pending/fallback record, got %+v", questions)
	}
}

// A question submitted over REST and the same question relayed live must look
// identical to doctors and in the log, apart from server bookkeeping.
func TestApplication_RestAndLiveRecordsMatch(t *testing.T) {
	stack := newTestStack(t)
	doctor := stack.dialDoctor(t)

	body := `{"clientId":"c2","name":"Budi","question":"Kapan SADARI dilakukan?","timestamp":"2026-10-01T08:00:00Z"}`

	resp, err := http.Post(stack.server.URL+"/api/tanya", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d", http.StatusCreated, resp.StatusCode)
	}
	restNotice := doctor.expect("tanya-received")

	ws, _, err := websocket.DefaultDialer.Dial(stack.wsURL, nil)
	if err != nil {
		t.Fatalf("Patient dial failed: %v", err)
	}
	defer ws.Close()
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"identify","role":"patient","id":"c2"}`))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","payload":`+body+`}`))
	liveNotice := doctor.expect("tanya-received")

	restPayload, _ := json.Marshal(restNotice["payload"])
	livePayload, _ := json.Marshal(liveNotice["payload"])
	if !bytes.Equal(restPayload, livePayload) {
		t.Errorf("Notifications differ:\nrest: %s\nlive: %s", restPayload, livePayload)
	}

	questions, err := stack.app.intake.List(context.Background(), interfaces.QuestionFilter{ClientID: "c2"})
	if err != nil || len(questions) != 2 {
		t.Fatalf("Expected 2 records, got %d (%v)", len(questions), err)
	}
	rest, live := questions[0].ClientFacing(), questions[1].ClientFacing()
	if rest.ClientID != live.ClientID || rest.Name != live.Name || rest.Question != live.Question || !rest.Timestamp.Equal(*live.Timestamp) {
		t.Errorf("Records differ: %+v vs %+v", rest, live)
	}
	if questions[0].Source != types.SourceFallback || questions[1].Source != types.SourceLive {
		t.Errorf("Expected fallback then live, got %s then %s", questions[0].Source, questions[1].Source)
	}
}

func TestApplication_PatientReconnectsAfterServerDrop(t *testing.T) {
	stack := newTestStack(t)
	patient := newPatient(t, stack, "c3")

	patient.Connect()
	waitUntil(t, 3*time.Second, func() bool { return patient.State() == client.StateOpen }, "patient never connected")
	waitUntil(t, 3*time.Second, func() bool { return stack.app.registry.Stats()["patients"] == 1 }, "patient never identified")

	for _, conn := range stack.app.registry.Connections() {
		_ = conn.Close()
	}

	waitUntil(t, 3*time.Second, func() bool { return patient.Attempts() == 2 }, "patient never retried")
	waitUntil(t, 3*time.Second, func() bool { return patient.State() == client.StateOpen }, "patient never reopened")
	waitUntil(t, 3*time.Second, func() bool { return stack.app.registry.Stats()["patients"] == 1 }, "patient never re-identified")
}

func TestApplication_Health(t *testing.T) {
	stack := newTestStack(t)
	stack.dialDoctor(t)
	waitUntil(t, 3*time.Second, func() bool { return stack.app.registry.DoctorCount() == 1 }, "doctor never identified")

	resp, err := http.Get(stack.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK || health.Status != "healthy" {
		t.Errorf("Expected healthy, got %d %s", resp.StatusCode, health.Status)
	}
	if health.Connections["doctors"] != 1 {
		t.Errorf("Expected 1 doctor, got %v", health.Connections)
	}
}
