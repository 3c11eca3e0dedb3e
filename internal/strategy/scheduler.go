package strategy

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"quant-core/pkg/logger"
)

var ErrAlreadyRunning = errors.New("strategy run already running")

// TickFunc executes one decision for run on symbol.
type TickFunc func(ctx context.Context, run Run, symbol string) error

type running struct {
	run    Run
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler ticks every started run on its interval. Symbols of one run are
// ticked sequentially; runs are independent.
type Scheduler struct {
	tick TickFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*running
}

func NewScheduler(tick TickFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tick:   tick,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*running),
	}
}

// Start launches run. The first tick happens immediately.
func (s *Scheduler) Start(run Run) error {
	run = run.withDefaults()
	key := run.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return context.Canceled
	}
	if _, ok := s.runs[key]; ok {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(s.ctx)
	r := &running{run: run, cancel: cancel, done: make(chan struct{})}
	s.runs[key] = r
	go s.loop(ctx, r)
	logger.Infof("strategy run started: %s user=%s strategy=%s symbols=%v every %s", key, run.UserID, run.StrategyName, run.Symbols, run.Interval)
	return nil
}

// Stop cancels a run and waits for its in-flight tick to finish.
func (s *Scheduler) Stop(key string) bool {
	s.mu.Lock()
	r, ok := s.runs[key]
	delete(s.runs, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	logger.Infof("strategy run stopped: %s", key)
	return true
}

func (s *Scheduler) IsRunning(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[key]
	return ok
}

// Running returns the active runs ordered by key.
func (s *Scheduler) Running() []Run {
	s.mu.Lock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.run)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Apply reconciles the active set to desired: runs that disappeared or
// changed are stopped, new or changed runs are started.
func (s *Scheduler) Apply(desired []Run) {
	want := make(map[string]Run, len(desired))
	for _, r := range desired {
		r = r.withDefaults()
		want[r.Key()] = r
	}

	s.mu.Lock()
	var stop []string
	for key, r := range s.runs {
		if w, ok := want[key]; !ok || !reflect.DeepEqual(w, r.run) {
			stop = append(stop, key)
		}
	}
	s.mu.Unlock()

	for _, key := range stop {
		s.Stop(key)
	}
	for _, r := range want {
		if err := s.Start(r); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			logger.Warnf("start strategy run %s: %v", r.Key(), err)
		}
	}
}

// StopAll cancels every run and refuses new ones.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.cancel()
	all := make([]*running, 0, len(s.runs))
	for key, r := range s.runs {
		all = append(all, r)
		delete(s.runs, key)
	}
	s.mu.Unlock()
	for _, r := range all {
		<-r.done
	}
}

func (s *Scheduler) loop(ctx context.Context, r *running) {
	defer close(r.done)
	ticker := time.NewTicker(r.run.Interval)
	defer ticker.Stop()

	for {
		for _, sym := range r.run.Symbols {
			if ctx.Err() != nil {
				return
			}
			if err := s.tick(ctx, r.run, sym); err != nil {
				logger.Debugf("run %s tick %s: %v", r.run.Key(), sym, err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
