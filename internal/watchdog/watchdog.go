// Package watchdog runs the periodic sweep that drives time-based status
// transitions for every known agent.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultWorkers bounds how many agents are evaluated in parallel per sweep.
const defaultWorkers = 8

// CheckFunc re-evaluates one agent. ListFunc enumerates all known agents.
type (
	CheckFunc func(ctx context.Context, agentID string) error
	ListFunc  func(ctx context.Context) ([]string, error)
)

// Watchdog periodically sweeps all agents. Per-agent failures are isolated:
// one failing agent never aborts the sweep.
type Watchdog struct {
	enabled  bool
	interval time.Duration
	check    CheckFunc
	list     ListFunc
	log      *logrus.Entry

	mu       sync.Mutex
	stop     chan struct{}
	wg       sync.WaitGroup
	running  bool
	sweeping atomic.Bool
}

// New creates a watchdog.
func New(enabled bool, interval time.Duration, list ListFunc, check CheckFunc, log *logrus.Logger) *Watchdog {
	return &Watchdog{
		enabled:  enabled,
		interval: interval,
		check:    check,
		list:     list,
		log:      log.WithField("component", "watchdog"),
	}
}

// Start schedules the periodic sweep. A disabled or already-running watchdog
// is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled || w.running {
		return
	}

	w.stop = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.loop(w.stop)

	w.log.WithField("interval", w.interval).Info("watchdog started")
}

// Stop cancels the periodic sweep and waits for the current one to finish.
// Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stop)
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info("watchdog stopped")
}

func (w *Watchdog) loop(stop chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Skip the tick if the previous sweep is still running.
			if !w.sweeping.CompareAndSwap(false, true) {
				continue
			}
			w.sweep(context.Background())
			w.sweeping.Store(false)
		}
	}
}

// sweep evaluates every known agent with a bounded worker pool.
func (w *Watchdog) sweep(ctx context.Context) {
	agents, err := w.list(ctx)
	if err != nil {
		w.log.WithError(err).Error("failed to enumerate agents")
		return
	}

	sem := make(chan struct{}, defaultWorkers)
	var wg sync.WaitGroup
	for _, agentID := range agents {
		agentID := agentID
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := w.check(ctx, agentID); err != nil {
				w.log.WithField("agent", agentID).WithError(err).Error("status check failed")
			}
		}()
	}
	wg.Wait()
}

// ForceCheck runs one evaluation for a single agent, synchronously.
func (w *Watchdog) ForceCheck(ctx context.Context, agentID string) error {
	return w.check(ctx, agentID)
}

// ForceCheckAll runs one full sweep, synchronously.
func (w *Watchdog) ForceCheckAll(ctx context.Context) {
	w.sweep(ctx)
}
