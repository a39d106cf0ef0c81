package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Sweeper periodically compresses conversations that grew past their
// threshold without a new turn triggering the check.
type Sweeper struct {
	svc  *ChatService
	spec string

	mu      sync.Mutex
	cron    *rcron.Cron
	running sync.Mutex // one sweep at a time
}

// NewSweeper schedules sweeps on a robfig/cron spec with an optional seconds
// field (e.g. "0 */10 * * * *" or "@every 10m").
func NewSweeper(svc *ChatService, spec string) *Sweeper {
	return &Sweeper{svc: svc, spec: spec}
}

// Start registers the sweep job and starts the scheduler. It stops when ctx
// is done.
func (w *Sweeper) Start(ctx context.Context) error {
	c := rcron.New(rcron.WithSeconds())
	if _, err := c.AddFunc(w.spec, func() { w.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("register compression sweep %q: %w", w.spec, err)
	}
	w.mu.Lock()
	w.cron = c
	w.mu.Unlock()
	c.Start()
	w.svc.logger.Info("Compression sweep scheduled", "spec", w.spec)

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits briefly for a running sweep.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		w.svc.logger.Warn("Compression sweep stop timed out waiting for running job")
	}
}

func (w *Sweeper) runScheduled(ctx context.Context) {
	if !w.running.TryLock() {
		w.svc.logger.Debug("Compression sweep still running, skipping tick")
		return
	}
	defer w.running.Unlock()
	if _, err := w.Sweep(ctx); err != nil {
		w.svc.logger.Warn("Compression sweep failed", "error", err)
	}
}

// Sweep compresses every conversation holding at least the minimum number
// of unarchived turns. It returns the number of archived turns.
func (w *Sweeper) Sweep(ctx context.Context) (int64, error) {
	s := w.svc
	pairs, err := s.store.PendingPairs(ctx, s.cfg.MinTurns())
	if err != nil {
		return 0, err
	}
	var archived int64
	for _, p := range pairs {
		if ctx.Err() != nil {
			return archived, ctx.Err()
		}
		// Active conversations compress on their own turns.
		if s.IsStreaming(p.PersonaID, p.UserID) {
			continue
		}
		res, err := s.Compress(ctx, p.PersonaID, p.UserID)
		if err != nil {
			s.logger.Warn("Sweep compression failed", "personaID", p.PersonaID, "userID", p.UserID, "error", err)
			continue
		}
		archived += res.Archived
	}
	s.logger.Info("Compression sweep finished", "conversations", len(pairs), "archivedTurns", archived)
	return archived, nil
}
