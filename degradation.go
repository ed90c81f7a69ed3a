package gp51

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ServiceState is the degradation state of one service.
type ServiceState string

const (
	ServiceHealthy  ServiceState = "healthy"
	ServiceDegraded ServiceState = "degraded"
)

// ServiceStatus is the last known state of a service.
type ServiceStatus struct {
	Since  time.Time    `json:"since"`
	State  ServiceState `json:"state"`
	Reason string       `json:"reason,omitempty"`
}

// DegradationTracker records which services are running degraded. It is safe for
// concurrent use and meant to be shared between components.
type DegradationTracker struct {
	services cmap.ConcurrentMap[string, ServiceStatus]
	now      func() time.Time
}

// NewDegradationTracker creates an empty tracker.
func NewDegradationTracker() *DegradationTracker {
	return &DegradationTracker{
		services: cmap.New[ServiceStatus](),
		now:      time.Now,
	}
}

// MarkDegraded records service as degraded with reason.
func (t *DegradationTracker) MarkDegraded(service, reason string) {
	t.set(service, ServiceDegraded, reason)
}

// MarkHealthy records service as healthy.
func (t *DegradationTracker) MarkHealthy(service string) {
	t.set(service, ServiceHealthy, "")
}

func (t *DegradationTracker) set(service string, state ServiceState, reason string) {
	now := t.now()
	t.services.Upsert(service, ServiceStatus{}, func(exist bool, old, _ ServiceStatus) ServiceStatus {
		since := now
		if exist && old.State == state {
			since = old.Since
		}
		return ServiceStatus{State: state, Reason: reason, Since: since}
	})
}

// Status returns the status of service. Unknown services are reported healthy.
func (t *DegradationTracker) Status(service string) ServiceStatus {
	if s, ok := t.services.Get(service); ok {
		return s
	}
	return ServiceStatus{State: ServiceHealthy}
}

// IsDegraded reports whether service is currently degraded.
func (t *DegradationTracker) IsDegraded(service string) bool {
	return t.Status(service).State == ServiceDegraded
}

// All returns a copy of every tracked service status.
func (t *DegradationTracker) All() map[string]ServiceStatus {
	return t.services.Items()
}
