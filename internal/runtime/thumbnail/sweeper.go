package thumbnail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/l0p7/slideforge/internal/runtime/slides"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically queues background thumbnails for stale slides.
type Sweeper struct {
	pipeline *Pipeline
	width    int
	source   func() []slides.Slide
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewSweeper schedules Sweep on a standard five-field cron expression. source
// returns the current slide snapshot.
func NewSweeper(p *Pipeline, schedule string, width int, source func() []slides.Slide, logger *slog.Logger) (*Sweeper, error) {
	if p == nil || source == nil {
		return nil, fmt.Errorf("thumbnail: sweeper requires a pipeline and a source")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sweeper{
		pipeline: p,
		width:    width,
		source:   source,
		cron:     cron.New(),
		logger:   logger.With(slog.String("agent", "thumbnail_sweeper")),
	}
	if _, err := s.cron.AddFunc(strings.TrimSpace(schedule), func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("thumbnail: sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Sweep queues every stale slide and returns how many jobs were accepted.
func (s *Sweeper) Sweep() int {
	queued := 0
	for _, slide := range s.source() {
		if !slide.ThumbnailStale() {
			continue
		}
		if s.pipeline.Enqueue(slide, s.width) {
			queued++
		}
	}
	if queued > 0 {
		s.logger.Info("queued stale thumbnails", slog.Int("count", queued))
	}
	return queued
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
