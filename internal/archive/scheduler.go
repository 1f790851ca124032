// Package archive periodically archives sessions that have been inactive
// for longer than a threshold. Runs follow an RFC 5545 recurrence rule.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"go.uber.org/zap"

	"clarvis/internal/hub"
)

// DefaultSchedule runs the sweep once an hour.
const DefaultSchedule = "FREQ=HOURLY"

// EventArchived is broadcast to every client after a sweep archives
// sessions.
const EventArchived = "session:archived"

// Archiver archives inactive sessions.
type Archiver interface {
	AutoArchive(threshold time.Duration) ([]string, error)
}

// Scheduler runs archive sweeps on a recurrence rule.
type Scheduler struct {
	rule      *rrule.RRule
	threshold time.Duration
	archiver  Archiver
	pub       hub.Publisher
	log       *zap.Logger
	now       func() time.Time
}

// NewScheduler parses schedule (an RRULE such as "FREQ=HOURLY;INTERVAL=2")
// anchored at start. An empty schedule uses DefaultSchedule.
func NewScheduler(schedule string, start time.Time, threshold time.Duration, archiver Archiver, pub hub.Publisher, log *zap.Logger) (*Scheduler, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	rule, err := rrule.StrToRRule(strings.TrimPrefix(schedule, "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("parse archive schedule %q: %w", schedule, err)
	}
	rule.DTStart(start)
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		rule:      rule,
		threshold: threshold,
		archiver:  archiver,
		pub:       pub,
		log:       log,
		now:       time.Now,
	}, nil
}

// Enabled reports whether sweeps do anything.
func (s *Scheduler) Enabled() bool { return s.threshold > 0 }

// Next returns the first run strictly after t, or the zero time if the
// rule has no more occurrences.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.rule.After(t, false)
}

// RunOnce performs one sweep and announces the archived sessions.
func (s *Scheduler) RunOnce() ([]string, error) {
	ids, err := s.archiver.AutoArchive(s.threshold)
	if len(ids) > 0 {
		s.log.Info("archived inactive sessions", zap.Int("count", len(ids)), zap.Duration("threshold", s.threshold))
		if s.pub != nil {
			s.pub.BroadcastAll(hub.Event{Type: EventArchived, Data: map[string]any{"sessionIds": ids}})
		}
	}
	return ids, err
}

// Run sweeps at each occurrence of the rule until ctx is done or the rule
// is exhausted. It returns immediately when archiving is disabled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	for {
		next := s.Next(s.now())
		if next.IsZero() {
			s.log.Info("archive schedule exhausted")
			return nil
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := s.RunOnce(); err != nil {
			s.log.Warn("archive sweep", zap.Error(err))
		}
	}
}
