// Package notifications turns resolved geofence actions into reminders,
// fans them out to connected subscribers and keeps a history.
package notifications

import (
	"errors"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
)

// ErrReminderNotFound is returned by Get for an unknown id.
var ErrReminderNotFound = errors.New("reminder not found")

// Reminder is a dispatched notification decision
type Reminder struct {
	ID         string                  `json:"id"`
	Action     core.NotificationAction `json:"action"`
	TaskID     string                  `json:"task_id"`
	GeofenceID string                  `json:"geofence_id"`
	Tier       core.GeofenceTier       `json:"tier"`
	Title      string                  `json:"title"`
	Body       string                  `json:"body,omitempty"`
	Bundled    int                     `json:"bundled"`
	Delivered  int                     `json:"delivered"`
	Read       bool                    `json:"read"`
	EventAt    time.Time               `json:"event_at"`
	CreatedAt  time.Time               `json:"created_at"`
	ReadAt     *time.Time              `json:"read_at,omitempty"`
}

// ReminderFilter for querying reminders
type ReminderFilter struct {
	TaskID string
	Action core.NotificationAction
	Read   *bool
	Limit  int
	Offset int
}

// ReminderStats represents reminder statistics
type ReminderStats struct {
	Total       int            `json:"total"`
	Unread      int            `json:"unread"`
	ByAction    map[string]int `json:"by_action"`
	ByTier      map[string]int `json:"by_tier"`
	Subscribers int            `json:"subscribers"`
	LastCreated *time.Time     `json:"last_created,omitempty"`
}

// WebSocketMessage for real-time reminder delivery
type WebSocketMessage struct {
	Type    string   `json:"type"`
	Payload Reminder `json:"payload"`
}

// TitleFunc renders the title and body of a reminder.
type TitleFunc func(d core.Dispatch) (title, body string)

// DefaultTitle renders a plain title from the action and task id.
func DefaultTitle(d core.Dispatch) (string, string) {
	switch d.Action {
	case core.ActionApproach:
		return "Nearby: " + d.TaskID, "You are getting close to a place for this task."
	case core.ActionArrival:
		return "Arrived: " + d.TaskID, "You are at a place for this task."
	case core.ActionPostArrival:
		return "Still here: " + d.TaskID, "Don't forget this task before you leave."
	case core.ActionSchedulePostArrival:
		return "Left: " + d.TaskID, "Did you finish this task?"
	case core.ActionDwell:
		return "Lingering: " + d.TaskID, "You have been here a while."
	default:
		return string(d.Action) + ": " + d.TaskID, ""
	}
}
