package notifier

import (
	"context"
	"time"
)

// Config shapes the delivery pool. Zero values take package defaults.
type Config struct {
	Enabled bool

	Workers    int
	QueueSize  int
	RatePerSec int // shared by all senders; burst equals the rate

	// Attempts after the first, spaced by RetryBase doubling up to RetryMaxDelay.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// A zero DedupWindow disables dedup. PersistDedup also records claims in
	// storage so a restart inside the window does not resend.
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Message is one notification. Key, when set, is the dedup identity (for
// picks, the milestone job key); otherwise the text is hashed.
type Message struct {
	ID      string    `json:"id"`
	Key     string    `json:"key,omitempty"`
	Subject string    `json:"subject"`
	Text    string    `json:"text"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Sender delivers a message to one destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// HistoryItem is one delivered message as listed by Snapshot.
type HistoryItem struct {
	Sender string    `json:"sender"`
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// NotificationEvent is the payload of every notifier.* bus event. Error is
// set for dropped and failed messages.
type NotificationEvent struct {
	ID     string    `json:"id"`
	Key    string    `json:"key"`
	Sender string    `json:"sender"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}
