package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	logx "batchmd/pkg/logx"
)

// Service runs periodic jobs (directory rescans) on cron triggers.
type Service struct {
	log logx.Logger
	loc *time.Location
	c   *cron.Cron
}

// New builds the service in the given timezone; empty means local time.
func New(log logx.Logger, timezone string) (*Service, error) {
	loc := time.Local
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule timezone: %w", err)
		}
		loc = l
	}
	return &Service{
		log: log.With(logx.String("component", "schedule")),
		loc: loc,
		c:   cron.New(cron.WithLocation(loc)),
	}, nil
}

// AddJob registers a named job under a schedule spec (see ParseSpec).
// Panics inside the job are contained and logged.
func (s *Service) AddJob(name, spec string, job func(ctx context.Context)) error {
	parsed, err := ParseSpec(spec)
	if err != nil {
		return err
	}

	expr := parsed.Cron
	if parsed.Kind == SpecInterval {
		expr = fmt.Sprintf("@every %s", parsed.Every)
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled job panicked",
					logx.String("job", name),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		start := time.Now()
		job(context.Background())
		s.log.Debug("scheduled job finished",
			logx.String("job", name),
			logx.Duration("took", time.Since(start)))
	}

	if _, err := s.c.AddFunc(expr, wrapped); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.log.Info("job scheduled", logx.String("job", name), logx.String("spec", expr))
	return nil
}

func (s *Service) Start() { s.c.Start() }

// Stop waits for running jobs to finish or ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	done := s.c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
