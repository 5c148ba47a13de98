package websocket

import (
	"sync"

	"tanyarelay/pkg/types"
)

// Transition describes how a registry mutation changed doctor availability.
type Transition int

const (
	NoChange Transition = iota
	DoctorsOnline
	DoctorsOffline
)

func (t Transition) String() string {
	switch t {
	case DoctorsOnline:
		return "doctors_online"
	case DoctorsOffline:
		return "doctors_offline"
	default:
		return "no_change"
	}
}

// Registry tracks live connections and the subset identified as doctors.
// ARCHITECTURAL DISCOVERY: a connection is in doctors iff it is registered and
// its role is doctor. Every mutation that can break that runs under mu, and
// reports the availability edge it caused so callers never recount.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // connection id -> Connection
	doctors     map[string]*Connection // connection id -> doctor Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		doctors:     make(map[string]*Connection),
	}
}

// Register adds an unidentified connection.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Identify binds role and client id to a registered connection. Unknown
// connections return ErrUnknownConnection and leave the registry untouched;
// that happens when a disconnect wins the race against a late envelope.
func (r *Registry) Identify(connID string, role types.Role, clientID string) (Transition, error) {
	if !role.Valid() {
		return NoChange, ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return NoChange, ErrUnknownConnection
	}

	hadDoctors := len(r.doctors) > 0
	conn.setIdentity(role, clientID)

	if role == types.RoleDoctor {
		r.doctors[connID] = conn
	} else {
		delete(r.doctors, connID)
	}

	return edge(hadDoctors, len(r.doctors) > 0), nil
}

// Unregister removes conn if it is the instance currently registered under its id.
// Idempotent.
func (r *Registry) Unregister(conn *Connection) Transition {
	if conn == nil {
		return NoChange
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[conn.ID()]
	if !exists || registered != conn {
		return NoChange
	}

	hadDoctors := len(r.doctors) > 0
	delete(r.connections, conn.ID())
	delete(r.doctors, conn.ID())

	return edge(hadDoctors, len(r.doctors) > 0)
}

func edge(before, after bool) Transition {
	switch {
	case !before && after:
		return DoctorsOnline
	case before && !after:
		return DoctorsOffline
	default:
		return NoChange
	}
}

// Get returns a registered connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	return conn, exists
}

// FindByClientID returns every patient connection bound to clientID. A client
// that reconnects before its old socket is reaped shows up more than once.
// TECHNICAL DISCOVERY: linear scan over all connections; fine at widget scale.
func (r *Registry) FindByClientID(clientID string) []*Connection {
	if clientID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Connection
	for _, conn := range r.connections {
		if conn.Role() == types.RolePatient && conn.ClientID() == clientID {
			matches = append(matches, conn)
		}
	}
	return matches
}

// DoctorCount returns the size of the doctor set.
func (r *Registry) DoctorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.doctors)
}

// Doctors returns a snapshot of doctor connections.
func (r *Registry) Doctors() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doctors := make([]*Connection, 0, len(r.doctors))
	for _, conn := range r.doctors {
		doctors = append(doctors, conn)
	}
	return doctors
}

// Patients returns a snapshot of patient connections.
func (r *Registry) Patients() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var patients []*Connection
	for _, conn := range r.connections {
		if conn.Role() == types.RolePatient {
			patients = append(patients, conn)
		}
	}
	return patients
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		all = append(all, conn)
	}
	return all
}

// Stats returns registry statistics for monitoring and debugging
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patients := 0
	for _, conn := range r.connections {
		if conn.Role() == types.RolePatient {
			patients++
		}
	}

	return map[string]int{
		"total_connections": len(r.connections),
		"doctors":           len(r.doctors),
		"patients":          patients,
		"unidentified":      len(r.connections) - len(r.doctors) - patients,
	}
}
