package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"tanyarelay/internal/logging"
	"tanyarelay/internal/websocket"
	"tanyarelay/pkg/interfaces"
	"tanyarelay/pkg/types"
)

const defaultEventBuffer = 1000

type eventKind int

const (
	eventDoctorStatus eventKind = iota
	eventNotifyDoctors
	eventSyncPatient
)

// event is one unit of broadcast work for the hub loop.
type event struct {
	kind     eventKind
	online   bool
	question *types.QueuedQuestion
	conn     *websocket.Connection
}

// Hub serialises every outbound broadcast through one goroutine.
// ARCHITECTURAL DISCOVERY: status, notification and sync events share one
// channel, so they are written in enqueue order.
type Hub struct {
	events   chan event
	shutdown chan struct{}
	done     chan struct{}
	registry *websocket.Registry

	// lastOnline is only touched by the loop goroutine
	lastOnline bool

	running bool
	mu      sync.RWMutex

	statusBroadcasts atomic.Int64
	notifications    atomic.Int64
	dropped          atomic.Int64

	// statusResync is set when a status edge could not be queued
	statusResync atomic.Bool

	log zerolog.Logger
}

var _ interfaces.DoctorNotifier = (*Hub)(nil)

// NewHub creates a stopped hub. Non-positive buffer sizes use 1000.
func NewHub(registry *websocket.Registry, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Hub{
		events:   make(chan event, buffer),
		registry: registry,
		log:      logging.For("hub"),
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.log.Info().Msg("starting status hub")
	go h.run(ctx, h.shutdown, h.done)

	return nil
}

// Stop signals the loop and waits for it to exit. Queued events are discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.log.Info().Msg("status hub stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// BroadcastDoctorStatus queues a doctor-status broadcast to every patient.
// An edge dropped on a full channel is not lost: the loop re-reads the registry
// after its next event and broadcasts the current state if patients are stale.
func (h *Hub) BroadcastDoctorStatus(online bool) error {
	err := h.enqueue(event{kind: eventDoctorStatus, online: online})
	if errors.Is(err, ErrEventChannelFull) {
		h.statusResync.Store(true)
	}
	return err
}

// NotifyDoctors queues a tanya-received notification for every doctor.
func (h *Hub) NotifyDoctors(q *types.QueuedQuestion) error {
	if q == nil {
		return ErrNilQuestion
	}
	return h.enqueue(event{kind: eventNotifyDoctors, question: q})
}

// SyncDoctorStatus queues the current availability for a single patient.
func (h *Hub) SyncDoctorStatus(conn *websocket.Connection) error {
	if conn == nil {
		return ErrNilSyncConnection
	}
	return h.enqueue(event{kind: eventSyncPatient, conn: conn})
}

// Stats returns counters for the health endpoint.
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"status_broadcasts":    h.statusBroadcasts.Load(),
		"doctor_notifications": h.notifications.Load(),
		"dropped_events":       h.dropped.Load(),
		"queued_events":        int64(len(h.events)),
	}
}

func (h *Hub) enqueue(ev event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.running {
		return ErrHubNotRunning
	}

	// TECHNICAL DISCOVERY: non-blocking send; callers sit on connection read loops
	select {
	case h.events <- ev:
		return nil
	default:
		h.dropped.Add(1)
		return ErrEventChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)

	for {
		select {
		case ev := <-h.events:
			h.dispatch(ev)
			if h.statusResync.Swap(false) {
				h.broadcastStatus(h.registry.DoctorCount() > 0)
			}
		case <-shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			h.log.Info().Msg("hub context cancelled")
			return
		}
	}
}

func (h *Hub) dispatch(ev event) {
	switch ev.kind {
	case eventDoctorStatus:
		h.broadcastStatus(ev.online)
	case eventNotifyDoctors:
		h.notifyDoctors(ev.question)
	case eventSyncPatient:
		h.write(ev.conn, types.DoctorStatus{Online: h.registry.DoctorCount() > 0})
	}
}

// broadcastStatus sends an availability edge to every patient.
// FUNCTIONAL DISCOVERY: edges are produced on read goroutines and may be enqueued
// out of order. An edge that disagrees with the registry has been superseded by a
// later one, and an edge equal to the last one sent carries no news; both are skipped.
func (h *Hub) broadcastStatus(online bool) {
	current := h.registry.DoctorCount() > 0
	if online != current || online == h.lastOnline {
		h.log.Debug().Bool("online", online).Bool("current", current).Msg("skipping superseded status edge")
		return
	}
	h.lastOnline = online

	patients := h.registry.Patients()
	msg := types.DoctorStatus{Online: online}
	for _, conn := range patients {
		h.write(conn, msg)
	}

	h.statusBroadcasts.Add(1)
	h.log.Info().Bool("online", online).Int("patients", len(patients)).Msg("doctor status broadcast")
}

// notifyDoctors sends tanya-received to doctor connections only.
func (h *Hub) notifyDoctors(q *types.QueuedQuestion) {
	doctors := h.registry.Doctors()
	msg := types.TanyaReceived{Payload: q.ClientFacing()}
	for _, conn := range doctors {
		h.write(conn, msg)
	}

	h.notifications.Add(1)
	h.log.Debug().Str("client_id", q.ClientID).Int("doctors", len(doctors)).Msg("doctors notified")
}

func (h *Hub) write(conn *websocket.Connection, v interface{}) {
	if err := conn.WriteJSON(v); err != nil {
		h.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("broadcast write failed")
	}
}
