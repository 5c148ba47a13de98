package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tanyarelay/internal/hub"
	"tanyarelay/internal/logging"
	"tanyarelay/internal/websocket"
	"tanyarelay/pkg/interfaces"
	"tanyarelay/pkg/types"
)

// Broadcaster is the slice of the hub the router drives.
type Broadcaster interface {
	interfaces.DoctorNotifier
	SyncDoctorStatus(conn *websocket.Connection) error
}

// Config holds the texts and limits the router applies.
type Config struct {
	DoctorLabel       string
	AckForwarded      string
	AckStored         string
	MessagesPerMinute int
}

// DefaultConfig returns the Indonesian texts shown by the widget.
func DefaultConfig() Config {
	return Config{
		DoctorLabel:       "Dokter",
		AckForwarded:      "Pesan terkirim ke dokter. Mohon tunggu respons.",
		AckStored:         "Tidak ada dokter online. Pesan disimpan dan akan ditanggapi.",
		MessagesPerMinute: defaultMessagesPerMinute,
	}
}

// Router interprets inbound envelopes by type and sender role.
// ARCHITECTURAL DISCOVERY: the router owns no connection state; role and client id
// live on the registry's connections, and every availability edge comes back from
// the same registry mutation that caused it.
type Router struct {
	registry    *websocket.Registry
	store       interfaces.QuestionStore
	broadcaster Broadcaster
	rateLimiter *RateLimiter
	config      Config
	now         func() time.Time
	log         zerolog.Logger
}

var _ websocket.Dispatcher = (*Router)(nil)

// NewRouter creates a router. Empty config fields take DefaultConfig values.
func NewRouter(registry *websocket.Registry, store interfaces.QuestionStore, broadcaster Broadcaster, config Config) *Router {
	defaults := DefaultConfig()
	if config.DoctorLabel == "" {
		config.DoctorLabel = defaults.DoctorLabel
	}
	if config.AckForwarded == "" {
		config.AckForwarded = defaults.AckForwarded
	}
	if config.AckStored == "" {
		config.AckStored = defaults.AckStored
	}

	return &Router{
		registry:    registry,
		store:       store,
		broadcaster: broadcaster,
		rateLimiter: NewRateLimiter(config.MessagesPerMinute),
		config:      config,
		now:         time.Now,
		log:         logging.For("router"),
	}
}

// HandleEnvelope routes one inbound frame. Nothing here is fatal: every failure
// is logged and the connection keeps reading.
func (r *Router) HandleEnvelope(ctx context.Context, conn *websocket.Connection, data []byte) {
	log := r.log.With().Str("conn_id", conn.ID()).Logger()

	if !r.rateLimiter.Allow(conn.ID()) {
		log.Warn().Err(ErrRateLimitExceeded).Msg("dropping envelope")
		return
	}

	env, err := types.ParseEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}

	switch e := env.(type) {
	case types.Identify:
		r.handleIdentify(conn, e)
	case types.Message:
		if err := r.handleMessage(ctx, conn, e); err != nil {
			log.Warn().Err(err).Str("role", string(conn.Role())).Msg("dropping message")
		}
	case types.System, types.DoctorStatus, types.TanyaReceived:
		log.Debug().Err(ErrServerOnlyType).Str("type", string(e.EnvelopeType())).Msg("ignoring envelope")
	case types.Unrecognized:
		log.Warn().Str("type", string(e.Type)).Msg("dropping envelope of unknown type")
	}
}

// HandleDisconnect removes the connection and broadcasts offline when the last
// doctor leaves.
func (r *Router) HandleDisconnect(conn *websocket.Connection) {
	r.rateLimiter.Forget(conn.ID())

	if r.registry.Unregister(conn) == websocket.DoctorsOffline {
		r.log.Info().Str("conn_id", conn.ID()).Msg("last doctor left")
		r.broadcastStatus(false)
	}
}

func (r *Router) handleIdentify(conn *websocket.Connection, e types.Identify) {
	log := r.log.With().Str("conn_id", conn.ID()).Str("role", string(e.Role)).Str("client_id", e.ID).Logger()

	transition, err := r.registry.Identify(conn.ID(), e.Role, e.ID)
	if err != nil {
		// FUNCTIONAL DISCOVERY: a disconnect can win the race against a late identify
		log.Warn().Err(err).Msg("identify ignored")
		return
	}
	log.Info().Msg("connection identified")

	switch transition {
	case websocket.DoctorsOnline:
		r.broadcastStatus(true)
	case websocket.DoctorsOffline:
		r.broadcastStatus(false)
	}

	if e.Role == types.RolePatient {
		if err := r.broadcaster.SyncDoctorStatus(conn); err != nil {
			log.Warn().Err(err).Msg("failed to queue doctor status for patient")
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, conn *websocket.Connection, msg types.Message) error {
	switch conn.Role() {
	case types.RoleDoctor:
		return r.relayReply(conn, msg)
	case types.RolePatient:
		return r.relayQuestion(ctx, conn, msg)
	default:
		return ErrNotIdentified
	}
}

// relayReply forwards a doctor reply to every patient connection of the addressee.
func (r *Router) relayReply(conn *websocket.Connection, msg types.Message) error {
	reply, err := msg.DoctorReply()
	if err != nil {
		return err
	}

	fromName := strings.TrimSpace(reply.FromName)
	if fromName == "" {
		fromName = r.config.DoctorLabel
	}
	out := types.Message{Text: reply.Text, FromName: fromName}

	targets := r.registry.FindByClientID(reply.ToClientID)
	if len(targets) == 0 {
		r.log.Debug().Str("conn_id", conn.ID()).Str("client_id", reply.ToClientID).Msg("reply has no live recipient")
		return nil
	}

	for _, target := range targets {
		if err := target.WriteJSON(out); err != nil {
			r.log.Debug().Err(err).Str("conn_id", target.ID()).Msg("failed to deliver reply")
		}
	}
	return nil
}

// relayQuestion records a patient question, notifies doctors and acknowledges
// the sender exactly once.
func (r *Router) relayQuestion(ctx context.Context, conn *websocket.Connection, msg types.Message) error {
	q, err := msg.PatientQuestion()
	if err != nil {
		return err
	}
	q.ClientID = strings.TrimSpace(q.ClientID)
	if q.ClientID == "" {
		q.ClientID = conn.ClientID()
	}
	if err := q.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidQuestion, err)
	}

	receivedAt := r.now()
	timestamp := receivedAt
	if q.Timestamp != nil && !q.Timestamp.IsZero() {
		timestamp = *q.Timestamp
	}

	online := r.registry.DoctorCount() > 0
	status, ack := types.StatusPending, r.config.AckStored
	if online {
		status, ack = types.StatusSent, r.config.AckForwarded
	}

	record := &types.QueuedQuestion{
		ClientID:   q.ClientID,
		Name:       q.Name,
		Question:   q.Question,
		Timestamp:  timestamp,
		Status:     status,
		Source:     types.SourceLive,
		ReceivedAt: receivedAt,
	}

	// TECHNICAL DISCOVERY: store failures are logged; notify and ack still happen
	if err := r.store.AppendQuestion(ctx, record); err != nil {
		r.log.Error().Err(err).Str("client_id", record.ClientID).Msg("failed to store question")
	}

	if err := r.broadcaster.NotifyDoctors(record); err != nil {
		r.log.Warn().Err(err).Str("client_id", record.ClientID).Msg("failed to queue doctor notification")
	}

	if err := conn.WriteJSON(types.System{Text: ack}); err != nil && !errors.Is(err, websocket.ErrConnectionClosed) {
		r.log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("failed to acknowledge question")
	}

	r.log.Info().
		Str("client_id", record.ClientID).
		Str("question_id", record.ID).
		Str("status", string(record.Status)).
		Msg("question relayed")
	return nil
}

func (r *Router) broadcastStatus(online bool) {
	err := r.broadcaster.BroadcastDoctorStatus(online)
	switch {
	case err == nil:
	case errors.Is(err, hub.ErrEventChannelFull):
		r.log.Error().Err(err).Bool("online", online).Msg("doctor status edge dropped, hub will resync")
	default:
		r.log.Warn().Err(err).Bool("online", online).Msg("failed to queue doctor status broadcast")
	}
}

// CleanupRateLimits drops idle limiter state. The application calls it on a ticker.
func (r *Router) CleanupRateLimits() {
	r.rateLimiter.Cleanup()
}
