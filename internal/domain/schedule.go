package domain

import "time"

type Schedule struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	CronExpr          string            `json:"cron_expr"`
	TaskType          string            `json:"task_type"`
	Payload           map[string]string `json:"payload,omitempty"`
	Priority          Priority          `json:"priority"`
	HandlerPreference string            `json:"handler_preference,omitempty"`
	MaxAttempts       int               `json:"max_attempts"`
	Enabled           bool              `json:"enabled"`
	LastRun           *time.Time        `json:"last_run,omitempty"`
	NextRun           time.Time         `json:"next_run"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
