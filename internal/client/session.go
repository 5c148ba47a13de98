// Package client is the patient side of the relay: one live connection per
// session, reconnecting on a fixed delay, with a REST fallback for sends made
// while the connection is down.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tanyarelay/internal/logging"
	"tanyarelay/pkg/types"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultDoctorLabel    = "Dokter"

	FallbackAcceptedText = "Pesan terkirim. Dokter akan menanggapi melalui sistem ini atau melalui kontak yang tersedia."
	FallbackFailedText   = "Gagal mengirim pesan. Silakan coba lagi nanti."
	emptySystemText      = "[Info sistem]"
)

// State of the live connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

// Delivery reports which path a Send took.
type Delivery int

const (
	DeliveryIgnored Delivery = iota
	DeliveryLive
	DeliveryFallback
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryLive:
		return "live"
	case DeliveryFallback:
		return "fallback"
	case DeliveryFailed:
		return "failed"
	default:
		return "ignored"
	}
}

// Config describes one patient session.
type Config struct {
	ServerURL      string        // http(s) base URL of the relay
	WebSocketPath  string        // defaults to /ws
	ClientID       string        // generated when empty
	Name           string        // optional display name
	ReconnectDelay time.Duration // fixed, no jitter
	DoctorLabel    string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
}

// NewClientID returns an id in the widget's patient-xxxxxxx shape.
func NewClientID() string {
	return "patient-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
}

// Session manages one patient's connection and transcript.
// ARCHITECTURAL DISCOVERY: every connection attempt gets a generation number.
// Callbacks from a dial, a read loop or a reconnect timer act only while their
// generation is current, so a stale socket can never schedule a second retry.
type Session struct {
	config  Config
	wsURL   string
	postURL string

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	generation     uint64
	reconnectTimer *time.Timer
	closed         bool
	doctorsOnline  bool
	attempts       int
	transcript     []Entry
	onEntry        func(Entry)
	onStatus       func(bool)

	writeMu sync.Mutex // gorilla allows one concurrent writer

	log zerolog.Logger
}

// NewSession validates the config and returns a disconnected session.
func NewSession(config Config) (*Session, error) {
	base, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	wsBase := *base
	switch base.Scheme {
	case "http":
		wsBase.Scheme = "ws"
	case "https":
		wsBase.Scheme = "wss"
	default:
		return nil, ErrInvalidServerURL
	}

	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws"
	}
	if config.ClientID == "" {
		config.ClientID = NewClientID()
	}
	config.Name = strings.TrimSpace(config.Name)
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.DoctorLabel == "" {
		config.DoctorLabel = DefaultDoctorLabel
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}

	wsBase.Path = strings.TrimSuffix(base.Path, "/") + config.WebSocketPath
	query := wsBase.Query()
	query.Set("role", string(types.RolePatient))
	query.Set("id", config.ClientID)
	wsBase.RawQuery = query.Encode()

	postBase := *base
	postBase.Path = strings.TrimSuffix(base.Path, "/") + "/api/tanya"
	postBase.RawQuery = ""

	return &Session{
		config:  config,
		wsURL:   wsBase.String(),
		postURL: postBase.String(),
		log:     logging.For("client").With().Str("client_id", config.ClientID).Logger(),
	}, nil
}

// ClientID returns the id this session identifies with.
func (s *Session) ClientID() string {
	return s.config.ClientID
}

// OnEntry registers a callback for every transcript line. Set it before Connect.
func (s *Session) OnEntry(fn func(Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEntry = fn
}

// OnStatus registers a callback for doctor availability changes. Set it before Connect.
func (s *Session) OnStatus(fn func(online bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DoctorsOnline returns the last availability the server reported.
func (s *Session) DoctorsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doctorsOnline
}

// Attempts counts connection attempts, initial and automatic.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Transcript returns a copy of every entry so far.
func (s *Session) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.transcript...)
}

// Connect starts a connection attempt. It is a no-op returning false while a
// connection is open or being established, or after Close. An explicit
// Connect cancels a pending reconnect timer.
func (s *Session) Connect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state != StateDisconnected {
		return false
	}
	s.startAttemptLocked()
	return true
}

func (s *Session) startAttemptLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}

	s.generation++
	s.attempts++
	s.state = StateConnecting
	gen := s.generation

	go s.dial(gen)
}

func (s *Session) dial(gen uint64) {
	ws, _, err := s.config.Dialer.Dial(s.wsURL, nil)

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Debug().Err(err).Msg("connection attempt failed")
		s.drop(gen)
		return
	}

	// identify goes out before the session reports Open, so no question can
	// overtake it on the wire
	if err := s.write(ws, types.Identify{Role: types.RolePatient, ID: s.config.ClientID}); err != nil {
		s.log.Warn().Err(err).Msg("failed to identify")
		_ = ws.Close()
		s.drop(gen)
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conn = ws
	s.state = StateOpen
	s.doctorsOnline = false
	s.mu.Unlock()

	s.log.Info().Msg("connection open")

	// availability stays false until the server says otherwise
	s.emitStatus(false)

	go s.readLoop(gen, ws)
}

func (s *Session) readLoop(gen uint64, ws *websocket.Conn) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("connection closed")
			_ = ws.Close()
			s.drop(gen)
			return
		}
		if messageType == websocket.TextMessage {
			s.dispatch(data)
		}
	}
}

// drop moves the session to Disconnected and schedules exactly one reconnect.
func (s *Session) drop(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}

	s.state = StateDisconnected
	s.conn = nil
	wasOnline := s.doctorsOnline
	s.doctorsOnline = false

	// invalidate every other callback of this attempt
	s.generation++
	retryGen := s.generation

	if !s.closed {
		s.reconnectTimer = time.AfterFunc(s.config.ReconnectDelay, func() {
			s.reconnect(retryGen)
		})
	}
	s.mu.Unlock()

	if wasOnline {
		s.emitStatus(false)
	}
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state != StateDisconnected || gen != s.generation {
		return
	}
	s.reconnectTimer = nil
	s.log.Debug().Msg("reconnecting")
	s.startAttemptLocked()
}

func (s *Session) dispatch(data []byte) {
	env, err := types.ParseEnvelope(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}

	switch e := env.(type) {
	case types.DoctorStatus:
		s.mu.Lock()
		s.doctorsOnline = e.Online
		s.mu.Unlock()
		s.emitStatus(e.Online)
	case types.Message:
		author := e.FromName
		if author == "" {
			author = s.config.DoctorLabel
		}
		s.appendEntry(EntryDoctor, author, e.Text)
	case types.System:
		text := e.Text
		if text == "" {
			text = emptySystemText
		}
		s.appendEntry(EntrySystem, "", text)
	default:
		s.log.Warn().Str("type", string(env.EnvelopeType())).Msg("dropping unexpected envelope")
	}
}

// Send echoes the question into the transcript, then delivers it live when the
// connection is open or through the REST fallback otherwise. Blank questions
// are ignored.
func (s *Session) Send(ctx context.Context, question string) (Delivery, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return DeliveryIgnored, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return DeliveryIgnored, ErrSessionClosed
	}
	var ws *websocket.Conn
	if s.state == StateOpen {
		ws = s.conn
	}
	s.mu.Unlock()

	s.appendEntry(EntryPatient, s.config.Name, question)

	now := time.Now().UTC()
	q := types.PatientQuestion{
		ClientID:  s.config.ClientID,
		Name:      s.config.Name,
		Question:  question,
		Timestamp: &now,
	}

	if ws != nil {
		msg, err := types.NewPatientMessage(q)
		if err == nil {
			if err = s.write(ws, msg); err == nil {
				return DeliveryLive, nil
			}
		}
		// FUNCTIONAL DISCOVERY: a socket that dies between the state check and the
		// write is treated like a closed one
		s.log.Warn().Err(err).Msg("live send failed, using fallback")
	}

	if err := s.postFallback(ctx, q); err != nil {
		s.log.Warn().Err(err).Msg("fallback submission failed")
		s.appendEntry(EntrySystem, "", FallbackFailedText)
		return DeliveryFailed, err
	}

	s.appendEntry(EntrySystem, "", FallbackAcceptedText)
	return DeliveryFallback, nil
}

func (s *Session) postFallback(ctx context.Context, q types.PatientQuestion) error {
	body, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode question: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.postURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fallback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrFallbackRejected, resp.StatusCode)
	}
	return nil
}

// Close stops reconnecting and closes the live connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	ws := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.generation++
	s.mu.Unlock()

	if ws == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return ws.Close()
}

func (s *Session) write(ws *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return ws.WriteJSON(v)
}

func (s *Session) appendEntry(kind EntryKind, author, text string) {
	entry := Entry{Kind: kind, Author: author, Text: text, At: time.Now()}

	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	fn := s.onEntry
	s.mu.Unlock()

	if fn != nil {
		fn(entry)
	}
}

func (s *Session) emitStatus(online bool) {
	s.mu.Lock()
	fn := s.onStatus
	s.mu.Unlock()

	if fn != nil {
		fn(online)
	}
}
