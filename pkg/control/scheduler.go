package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pointerguard/pkg/lifecycle"
	"pointerguard/pkg/structlog"
)

// Scheduler retrains every monitored identity on a cron schedule.
type Scheduler struct {
	spec       string
	dispatcher *Dispatcher
	monitor    Monitor
	log        *structlog.Logger
}

// NewScheduler validates spec, a standard five-field cron expression.
func NewScheduler(spec string, d *Dispatcher, m Monitor, log *structlog.Logger) (*Scheduler, error) {
	if _, err := parser().Parse(spec); err != nil {
		return nil, fmt.Errorf("retrain schedule %q: %w", spec, err)
	}
	if log == nil {
		log = structlog.Nop()
	}
	return &Scheduler{spec: spec, dispatcher: d, monitor: m, log: log.Component("scheduler")}, nil
}

func parser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// Run fires retrains until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser()))
	if _, err := c.AddFunc(s.spec, func() { s.RetrainAll(ctx) }); err != nil {
		return fmt.Errorf("schedule retrain: %w", err)
	}
	c.Start()
	s.log.Info().Str("schedule", s.spec).Msg("retrain scheduler started")
	<-ctx.Done()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
	}
	return nil
}

// RetrainAll submits one retrain per monitored identity. Failures are
// logged and do not stop the others.
func (s *Scheduler) RetrainAll(ctx context.Context) int {
	ok := 0
	for _, id := range s.monitor.Monitored() {
		_, err := s.dispatcher.Submit(ctx, Command{Kind: CmdRetrain, IdentityID: id, Operator: "scheduler"})
		switch {
		case err == nil:
			ok++
		case errors.Is(err, lifecycle.ErrInsufficientData):
			s.log.ForIdentity(id).Warn().Err(err).Msg("scheduled retrain skipped")
		default:
			s.log.ForIdentity(id).Error().Err(err).Msg("scheduled retrain failed")
		}
	}
	return ok
}
