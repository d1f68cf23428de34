package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"agentflow/internal/archive"
	"agentflow/internal/domain"
	"agentflow/internal/worker"
)

var ErrNotFound = archive.ErrNotFound

type Store interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type Submitter interface {
	Submit(ctx context.Context, req worker.SubmitRequest) (domain.WorkItem, error)
}

type Service struct {
	store    Store
	submit   Submitter
	stop     chan struct{}
	interval time.Duration
}

func NewService(store Store, submit Submitter, checkInterval time.Duration) *Service {
	return &Service{
		store:    store,
		submit:   submit,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.store.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	item, err := s.submit.Submit(ctx, worker.SubmitRequest{
		Type:              schedule.TaskType,
		Payload:           schedule.Payload,
		Priority:          schedule.Priority,
		HandlerPreference: schedule.HandlerPreference,
		MaxAttempts:       schedule.MaxAttempts,
	})
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to submit scheduled task")
		return err
	}

	nextRun := cronSchedule.Next(now)
	if err := s.store.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("task_id", item.ID).
		Time("next_run", nextRun).
		Msg("scheduled task submitted")

	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
