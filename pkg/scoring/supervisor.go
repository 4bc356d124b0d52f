package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pointerguard/pkg/metrics"
	"pointerguard/pkg/store"
	"pointerguard/pkg/structlog"
)

var (
	ErrAlreadyMonitored = errors.New("identity already monitored")
	ErrNotMonitored     = errors.New("identity not monitored")
)

type running struct {
	loop   *Loop
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs one Loop per monitored identity.
type Supervisor struct {
	engine   *Engine
	features store.FeatureStore
	audit    store.AuditStore
	sink     Sink
	cfg      LoopConfig
	log      *structlog.Logger

	mu    sync.Mutex
	loops map[string]*running
}

func NewSupervisor(engine *Engine, features store.FeatureStore, audit store.AuditStore, sink Sink, cfg LoopConfig, log *structlog.Logger) *Supervisor {
	if log == nil {
		log = structlog.Nop()
	}
	return &Supervisor{
		engine:   engine,
		features: features,
		audit:    audit,
		sink:     sink,
		cfg:      cfg,
		log:      log,
		loops:    make(map[string]*running),
	}
}

// Start launches a loop for identity under ctx.
func (s *Supervisor) Start(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[identity]; ok {
		return fmt.Errorf("%s: %w", identity, ErrAlreadyMonitored)
	}
	loop := NewLoop(identity, s.engine, s.features, s.audit, s.sink, s.cfg, s.log)
	ctx, cancel := context.WithCancel(ctx)
	r := &running{loop: loop, cancel: cancel, done: make(chan struct{})}
	s.loops[identity] = r
	metrics.MonitoredIdentities.Set(float64(len(s.loops)))

	go func() {
		defer close(r.done)
		_ = loop.Run(ctx)
		s.mu.Lock()
		if s.loops[identity] == r {
			delete(s.loops, identity)
			metrics.MonitoredIdentities.Set(float64(len(s.loops)))
		}
		s.mu.Unlock()
	}()
	return nil
}

// Stop cancels the identity's loop and waits for it to flush and exit.
func (s *Supervisor) Stop(identity string) error {
	s.mu.Lock()
	r, ok := s.loops[identity]
	if ok {
		delete(s.loops, identity)
		metrics.MonitoredIdentities.Set(float64(len(s.loops)))
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", identity, ErrNotMonitored)
	}
	r.cancel()
	<-r.done
	return nil
}

// StopAll stops every loop.
func (s *Supervisor) StopAll() {
	for _, id := range s.Monitored() {
		_ = s.Stop(id)
	}
}

// Monitored lists identities with a running loop, sorted.
func (s *Supervisor) Monitored() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
