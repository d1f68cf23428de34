package domain

import (
	"fmt"
	"strings"
	"time"
)

// Priority zero means unset; submission turns it into PriorityNormal.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"LOW", "NORMAL", "HIGH", "CRITICAL"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p-1]
}

// ParsePriority accepts the enum names case-insensitively. Empty means NORMAL.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, n := range priorityNames {
		if strings.EqualFold(s, n) {
			return Priority(i + 1), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(s)); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

type HandlerID string

const (
	HandlerAura    HandlerID = "aura"
	HandlerKai     HandlerID = "kai"
	HandlerGenesis HandlerID = "genesis"
)

// Handlers lists the known handler ids in a stable order.
var Handlers = []HandlerID{HandlerAura, HandlerKai, HandlerGenesis}

// ParseHandler matches one of the known handler ids case-insensitively.
func ParseHandler(s string) (HandlerID, bool) {
	for _, h := range Handlers {
		if strings.EqualFold(strings.TrimSpace(s), string(h)) {
			return h, true
		}
	}
	return "", false
}

type WorkItem struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Payload           map[string]string `json:"payload,omitempty"`
	Priority          Priority          `json:"priority"`
	Status            Status            `json:"status"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	HandlerPreference string            `json:"handler_preference,omitempty"`
	Handler           HandlerID         `json:"handler"`
	DefaultRouted     bool              `json:"default_routed"`
	Attempt           int               `json:"attempt"`
	MaxAttempts       int               `json:"max_attempts"`
	Seq               uint64            `json:"seq"`
	DispatchSeq       uint64            `json:"dispatch_seq,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares nothing mutable with w.
func (w WorkItem) Clone() WorkItem {
	if w.Payload != nil {
		p := make(map[string]string, len(w.Payload))
		for k, v := range w.Payload {
			p[k] = v
		}
		w.Payload = p
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		w.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		w.CompletedAt = &t
	}
	return w
}

type Result struct {
	TaskID     string        `json:"task_id"`
	Handler    HandlerID     `json:"handler"`
	Status     Status        `json:"status"`
	Success    bool          `json:"success"`
	Message    string        `json:"message,omitempty"`
	Confidence float64       `json:"confidence"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration"`
}

// Record is a terminal item together with its result.
type Record struct {
	Item   WorkItem `json:"item"`
	Result Result   `json:"result"`
}

type Response struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

type Stats struct {
	Total           int           `json:"total"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	Active          int           `json:"active"`
	Queued          int           `json:"queued"`
	DefaultRouted   int           `json:"default_routed"`
	AverageDuration time.Duration `json:"average_duration"`
}

type QueueStatus struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	Active   int `json:"active"`
	Capacity int `json:"capacity"`
}

type Snapshot struct {
	Stats Stats       `json:"stats"`
	Queue QueueStatus `json:"queue"`
	At    time.Time   `json:"at"`
}
