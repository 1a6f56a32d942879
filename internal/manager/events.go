package manager

import "time"

// Event represents a version lifecycle event.
// Minimal and stable: name + model/version and optional fields via key/values.
type Event struct {
	Name    string
	Model   string
	Version int64
	Time    time.Time
	Fields  map[string]any
}

// Event names.
const (
	EventVersionLoading  = "version_loading"
	EventVersionLoaded   = "version_loaded"
	EventVersionFailed   = "version_load_failed"
	EventVersionReloaded = "version_reloaded"
	EventVersionRetired  = "version_retired"
	EventDefaultChanged  = "default_version_changed"
	EventReconciled      = "model_reconciled"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// FanOut publishes every event to all of its publishers in order.
type FanOut []EventPublisher

func (f FanOut) Publish(e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}
