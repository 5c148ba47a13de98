package interfaces

import "tanyarelay/pkg/types"

// DoctorNotifier fans questions and availability changes out to live connections.
// Implementations must not block the caller on slow or closed connections.
type DoctorNotifier interface {
	NotifyDoctors(q *types.QueuedQuestion) error
	BroadcastDoctorStatus(online bool) error
}
