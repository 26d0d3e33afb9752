package bundle

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventInstall          EventType = "install"
	EventUpdate           EventType = "update"
	EventUninstall        EventType = "uninstall"
	EventSandboxInstall   EventType = "sandbox_install"
	EventSandboxUninstall EventType = "sandbox_uninstall"
	EventAgingRun         EventType = "aging_run"
)

// Event is one line of the bundle event journal.
type Event struct {
	ID               string    `json:"id" yaml:"id"`
	Timestamp        time.Time `json:"ts" yaml:"ts"`
	Type             EventType `json:"type" yaml:"type"`
	BundleName       string    `json:"bundle_name,omitempty" yaml:"bundle_name,omitempty"`
	AppIndex         int       `json:"app_index,omitempty" yaml:"app_index,omitempty"`
	UserID           int       `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	UID              int       `json:"uid,omitempty" yaml:"uid,omitempty"`
	IsAgingUninstall bool      `json:"is_aging_uninstall,omitempty" yaml:"is_aging_uninstall,omitempty"`
	ResultCode       int32     `json:"result_code" yaml:"result_code"`
	Message          string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// NewEvent stamps a new event with a ulid and the current time.
func NewEvent(t EventType, bundleName string, userID int) Event {
	return Event{
		ID:         ulid.Make().String(),
		Timestamp:  time.Now().UTC(),
		Type:       t,
		BundleName: bundleName,
		UserID:     userID,
	}
}

// EventSink receives journal events. Implementations must not block for long.
type EventSink interface {
	AppendEvent(ev Event) error
}

// NopEventSink drops every event.
type NopEventSink struct{}

func (NopEventSink) AppendEvent(Event) error { return nil }
