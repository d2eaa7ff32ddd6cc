// Package refresh runs the render -> write -> refresh cycle, once or on a
// cron schedule.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sundial/internal/clock"
	"sundial/internal/config"
	"sundial/internal/convert"
	appLog "sundial/internal/log"
	"sundial/internal/render"
	"sundial/internal/theme"
)

// Panel is the part of the panel driver a cycle uses. *epd.Dev satisfies it.
type Panel interface {
	PowerUp() error
	WriteBuffer(fb *convert.Framebuffer) error
	Update() error
	SleepingUpdate() error
	PowerDown() error
}

// Runner owns one panel and serializes every cycle on it.
type Runner struct {
	panel    Panel
	renderer *render.Renderer
	theme    theme.Theme
	clock    clock.Clock
	mode     string

	mu    sync.Mutex
	last  *convert.Framebuffer
	frame render.Frame
}

// NewRunner builds a Runner. A nil panel renders without touching hardware.
// mode is config.UpdateExplicit or config.UpdateSleeping.
func NewRunner(p Panel, r *render.Renderer, th theme.Theme, clk clock.Clock, mode string) *Runner {
	return &Runner{panel: p, renderer: r, theme: th, clock: clk, mode: mode}
}

// Cycle renders a fresh frame and, when a panel is attached, shows it.
func (r *Runner) Cycle() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	fb := new(convert.Framebuffer)
	f, err := r.renderer.Draw(fb, r.theme, r.clock)
	if err != nil {
		return fmt.Errorf("refresh: render: %w", err)
	}
	r.last, r.frame = fb, f

	if r.panel != nil {
		if err := r.show(fb); err != nil {
			return err
		}
	}
	appLog.Info("refresh cycle done",
		"instant", f.Instant,
		"phase", render.Percent(f.Phase),
		"illumination", render.Percent(f.Illumination),
		"label", f.Label,
		"mode", r.mode,
		"hardware", r.panel != nil,
		"elapsed", time.Since(start),
	)
	return nil
}

type step struct {
	name string
	fn   func() error
}

func (r *Runner) show(fb *convert.Framebuffer) error {
	steps := []step{
		{"power up", r.panel.PowerUp},
		{"write buffer", func() error { return r.panel.WriteBuffer(fb) }},
	}
	if r.mode == config.UpdateSleeping {
		steps = append(steps, step{"sleeping update", r.panel.SleepingUpdate})
	} else {
		steps = append(steps, step{"update", r.panel.Update}, step{"power down", r.panel.PowerDown})
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("refresh: %s: %w", s.name, err)
		}
	}
	return nil
}

// Last returns a copy of the most recently rendered frame, or nil before
// the first cycle.
func (r *Runner) Last() (*convert.Framebuffer, render.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil, render.Frame{}
	}
	fb := *r.last
	return &fb, r.frame
}

// Run schedules Cycle with the given cron schedule until ctx is cancelled, then
// waits for an in-flight cycle to finish. A tick that arrives while a cycle
// is still running is skipped.
func (r *Runner) Run(ctx context.Context, schedule string) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if err := r.Cycle(); err != nil {
			appLog.Error("refresh cycle failed", err)
		}
	}); err != nil {
		return fmt.Errorf("refresh: bad schedule %q: %w", schedule, err)
	}

	appLog.Info("refresh scheduler started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("refresh scheduler stopped")
	return nil
}

// cronLogger routes cron's own messages through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
