package notifier

import (
	"errors"
	"time"
)

var (
	ErrSendFailed  = errors.New("notification send failed")
	ErrNoRecipient = errors.New("no recipient")
)

// Config controls the notification service.
type Config struct {
	RatePerSec  int
	SendTimeout time.Duration
	HistorySize int
	// DeliveredMax caps the per-channel delivered set used to skip channels
	// on escalation retries.
	DeliveredMax int
	// DefaultLocation renders times for tasks without a timezone.
	DefaultLocation *time.Location
}

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Message is one outgoing notification on one channel.
type Message struct {
	ID         string    `json:"id"`
	Channel    Channel   `json:"channel"`
	To         string    `json:"to"`
	Subject    string    `json:"subject,omitempty"`
	Text       string    `json:"text"`
	TaskID     string    `json:"task_id"`
	ReminderID string    `json:"reminder_id"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

type HistoryItem struct {
	At         time.Time `json:"at"`
	Channel    Channel   `json:"channel"`
	ReminderID string    `json:"reminder_id"`
	Reason     string    `json:"reason,omitempty"`
	Text       string    `json:"text"`
	Error      string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for every send attempt.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel    Channel   `json:"channel"`
	ReminderID string    `json:"reminder_id"`
	TaskID     string    `json:"task_id"`
	Reason     string    `json:"reason,omitempty"`
	Key        string    `json:"key"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
