package resync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/logger"
)

// Refresher re-fetches the newest page of the open conversation.
type Refresher interface {
	Refresh() error
}

// Scheduler triggers a refresh on a cron schedule. Runs never overlap.
type Scheduler struct {
	cron   string
	target Refresher
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running bool
	runs    int
}

// Start schedules target on cron. An empty cron disables the scheduler and
// returns a nil Scheduler, which is safe to Stop.
func Start(ctx context.Context, cron string, target Refresher) (*Scheduler, error) {
	if cron == "" {
		logger.Info("resync_disabled")
		return nil, nil
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid resync cron expression: %s", cron)
	}
	ctx2, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cron:   cron,
		target: target,
		now:    time.Now,
		ctx:    ctx2,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	logger.Info("resync_enabled", "cron", cron)
	go s.scheduleLoop()
	return s, nil
}

// Stop ends the schedule and waits for the loop to exit.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

var errNotStarted = errors.New("resync scheduler not started")

// RunImmediate triggers a refresh outside the schedule. It is a no-op while
// a scheduled run is in progress.
func (s *Scheduler) RunImmediate() error {
	if s == nil {
		return errNotStarted
	}
	return s.run()
}

// Runs reports how many refreshes were issued, scheduled or immediate.
func (s *Scheduler) Runs() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) scheduleLoop() {
	defer close(s.done)
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			logger.Error("resync_nexttick_failed", "cron", s.cron, "error", err)
			if !wait(s.ctx, 30*time.Second) {
				return
			}
			continue
		}

		d := next.Sub(s.now())
		if d <= 0 {
			s.runJob()
			if !wait(s.ctx, time.Second) {
				return
			}
			continue
		}
		if !wait(s.ctx, d) {
			return
		}
		s.runJob()
	}
}

func (s *Scheduler) runJob() {
	if err := s.run(); err != nil {
		logger.Warn("resync_refresh_failed", "error", err)
		return
	}
	logger.Debug("resync_refresh_issued")
}

func (s *Scheduler) run() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.runs++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return s.target.Refresh()
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
