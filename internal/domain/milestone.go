package domain

import (
	"fmt"
	"time"
)

type MilestoneKind int

const (
	Halftime MilestoneKind = iota + 1
	EndOfGame
)

func (k MilestoneKind) String() string {
	switch k {
	case Halftime:
		return "halftime"
	case EndOfGame:
		return "endgame"
	default:
		return "unknown"
	}
}

func (k MilestoneKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// JobKey identifies the single active timer slot for an event milestone.
type JobKey struct {
	EventID string        `json:"event_id"`
	Kind    MilestoneKind `json:"kind"`
}

func (k JobKey) String() string {
	return fmt.Sprintf("check-%s-%s", k.Kind, k.EventID)
}

type JobStatus string

const (
	JobScheduled   JobStatus = "scheduled"
	JobPolling     JobStatus = "polling"
	JobRescheduled JobStatus = "rescheduled"
	JobFired       JobStatus = "fired"
	JobCancelled   JobStatus = "cancelled"
)

// Terminal reports whether no further polls can happen.
func (s JobStatus) Terminal() bool { return s == JobFired || s == JobCancelled }

type MilestoneJob struct {
	Key           JobKey        `json:"key"`
	Label         string        `json:"label"`
	NextFire      time.Time     `json:"next_fire"`
	RetryInterval time.Duration `json:"retry_interval"`
	Status        JobStatus     `json:"status"`
	Attempts      int           `json:"attempts"`
	Deadline      time.Time     `json:"deadline"`
	LastError     string        `json:"last_error,omitempty"`
	FiredAt       time.Time     `json:"fired_at,omitempty"`
}
