// Package escalation turns a stream of score decisions into rate-limited,
// severity-graded actions. State is kept per identity and created on first
// contact.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pointerguard/pkg/circuitbreaker"
	"pointerguard/pkg/metrics"
	"pointerguard/pkg/notify"
	"pointerguard/pkg/platform"
	"pointerguard/pkg/structlog"
	"pointerguard/shared/types"
)

// Phase is the coarse position of an identity in the state machine.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCooling   Phase = "cooling"
	PhaseCountdown Phase = "warning_countdown"
)

// Config holds thresholds and timings.
type Config struct {
	NotifyThreshold float64
	LockThreshold   float64
	Cooldown        time.Duration
	Countdown       time.Duration
	ForceLogout     bool
	DispatchTimeout time.Duration
}

// Recorder appends to the audit trail. *audit.Recorder satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec types.ActionRecord) (types.ActionRecord, error)
}

// AlertState is a snapshot of one identity's escalation state.
type AlertState struct {
	IdentityID              string          `json:"identity_id"`
	Phase                   Phase           `json:"phase"`
	LastAlertTime           time.Time       `json:"last_alert_time"`
	ConsecutiveAnomalyCount int             `json:"consecutive_anomaly_count"`
	Severity                notify.Severity `json:"-"`
	SeverityName            string          `json:"severity"`
	CooldownUntil           time.Time       `json:"cooldown_until"`
}

type countdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	reason string
}

type machine struct {
	mu        sync.Mutex
	state     AlertState
	countdown *countdown
}

func (m *machine) snapshot(now time.Time) AlertState {
	s := m.state
	switch {
	case m.countdown != nil:
		s.Phase = PhaseCountdown
	case now.Before(s.CooldownUntil):
		s.Phase = PhaseCooling
	default:
		s.Phase = PhaseIdle
	}
	s.SeverityName = s.Severity.String()
	if s.Severity == 0 {
		s.SeverityName = ""
	}
	return s
}

type channel struct {
	notifier notify.Notifier
	breaker  *circuitbreaker.CircuitBreaker
}

// Option customizes an Escalator.
type Option func(*Escalator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Escalator) { e.clock = c }
}

// WithBreakerSettings overrides the per-channel circuit breaker settings.
func WithBreakerSettings(s circuitbreaker.Settings) Option {
	return func(e *Escalator) { e.breakers = s }
}

// Escalator is the registry of per-identity state machines. Handle never
// blocks on a dispatch; deliveries run on their own goroutines.
type Escalator struct {
	cfg      Config
	clock    Clock
	breakers circuitbreaker.Settings
	channels []channel
	platform platform.Controller
	pbreaker *circuitbreaker.CircuitBreaker
	recorder Recorder
	log      *structlog.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	machines map[string]*machine
}

// New creates an escalator. notifiers are ordered strongest first; the last
// one should never fail.
func New(cfg Config, notifiers []notify.Notifier, ctrl platform.Controller, rec Recorder, log *structlog.Logger, opts ...Option) *Escalator {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Second
	}
	if log == nil {
		log = structlog.Nop()
	}
	e := &Escalator{
		cfg:      cfg,
		clock:    realClock{},
		breakers: circuitbreaker.DefaultSettings(),
		platform: ctrl,
		recorder: rec,
		log:      log.Component("escalation"),
		machines: make(map[string]*machine),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakers.OnStateChange = func(name string, from, to circuitbreaker.State) {
		e.log.Warn().Str("channel", name).Str("from", from.String()).Str("to", to.String()).Msg("dispatch channel breaker changed state")
	}
	for _, n := range notifiers {
		e.channels = append(e.channels, channel{notifier: n, breaker: circuitbreaker.New(n.Name(), e.breakers)})
	}
	if ctrl != nil {
		e.pbreaker = circuitbreaker.New(ctrl.Name(), e.breakers)
	}
	e.base, e.stop = context.WithCancel(context.Background())
	return e
}

func (e *Escalator) machine(identity string) *machine {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[identity]
	if !ok {
		m = &machine{state: AlertState{IdentityID: identity}}
		e.machines[identity] = m
	}
	return m
}

func (e *Escalator) severity(score float64) notify.Severity {
	switch {
	case score >= e.cfg.LockThreshold:
		return notify.SeverityHigh
	case score >= e.cfg.NotifyThreshold:
		return notify.SeverityMedium
	default:
		return notify.SeverityLow
	}
}

// Handle feeds one score record into its identity's machine. Records must
// arrive in order per identity. Only anomalous records have any effect.
func (e *Escalator) Handle(ctx context.Context, rec types.ScoreRecord) {
	if !rec.Anomalous() {
		return
	}
	m := e.machine(rec.IdentityID)
	sev := e.severity(rec.AnomalyScore)

	m.mu.Lock()
	now := e.clock.Now()
	m.state.ConsecutiveAnomalyCount++
	if now.Before(m.state.CooldownUntil) || m.countdown != nil {
		count := m.state.ConsecutiveAnomalyCount
		m.mu.Unlock()

		metrics.AlertsSuppressed.Inc()
		e.log.WithContext(ctx).ForIdentity(rec.IdentityID).Debug().
			Int("consecutive", count).Float64("score", rec.AnomalyScore).Msg("anomaly suppressed by cooldown")
		e.async(func() {
			e.record(types.ActionRecord{
				IdentityID:    rec.IdentityID,
				Kind:          types.ActionSuppressed,
				Severity:      sev.String(),
				Outcome:       types.OutcomeRecorded,
				ScoreRecordID: rec.ID,
			})
		})
		return
	}
	e.fireLocked(m, now, sev, rec.ID, false, alertMessage(rec.AnomalyScore, sev))
	m.mu.Unlock()
}

// ManualAlert dispatches an operator-triggered alert, bypassing the
// cooldown. The cooldown is still renewed afterwards.
func (e *Escalator) ManualAlert(ctx context.Context, identity string, sev notify.Severity, message string) {
	if message == "" {
		message = "Operator-triggered alert."
	}
	m := e.machine(identity)
	m.mu.Lock()
	defer m.mu.Unlock()
	if sev == notify.SeverityHigh && m.countdown != nil {
		sev = notify.SeverityMedium
	}
	e.log.WithContext(ctx).ForIdentity(identity).Info().Str("severity", sev.String()).Msg("manual alert")
	e.fireLocked(m, e.clock.Now(), sev, "", true, message)
}

// fireLocked records a dispatch in the state and starts delivery.
// m.mu must be held.
func (e *Escalator) fireLocked(m *machine, now time.Time, sev notify.Severity, scoreID string, manual bool, message string) {
	identity := m.state.IdentityID
	m.state.LastAlertTime = now
	m.state.CooldownUntil = now.Add(e.cfg.Cooldown)
	m.state.ConsecutiveAnomalyCount = 0
	m.state.Severity = sev

	n := notify.Notification{IdentityID: identity, Severity: sev, Title: "Unusual pointer activity", Message: message}
	if sev != notify.SeverityHigh {
		e.async(func() {
			ctx, cancel := context.WithTimeout(e.base, e.cfg.DispatchTimeout)
			defer cancel()
			e.notifyChain(ctx, n, types.ActionNotify, scoreID, manual)
		})
		return
	}

	ctx, cancel := context.WithCancel(e.base)
	cd := &countdown{ctx: ctx, cancel: cancel}
	m.countdown = cd
	timer := e.clock.After(e.cfg.Countdown)
	n.Countdown = e.cfg.Countdown
	n.Message = fmt.Sprintf("%s The session will be %s in %d seconds unless cancelled.",
		message, pastTense(e.forcedAction()), int(e.cfg.Countdown.Seconds()))
	e.async(func() { e.runCountdown(m, cd, timer, n, scoreID, manual) })
}

func (e *Escalator) forcedAction() platform.Action {
	if e.cfg.ForceLogout {
		return platform.ActionLogout
	}
	return platform.ActionLock
}

func pastTense(a platform.Action) string {
	if a == platform.ActionLogout {
		return "logged out"
	}
	return "locked"
}

func (e *Escalator) runCountdown(m *machine, cd *countdown, timer <-chan time.Time, n notify.Notification, scoreID string, manual bool) {
	defer cd.cancel()
	identity := n.IdentityID
	ack := make(chan bool, 1)
	e.async(func() {
		ctx, cancel := context.WithTimeout(cd.ctx, e.cfg.Countdown+e.cfg.DispatchTimeout)
		defer cancel()
		ack <- e.notifyChain(ctx, n, types.ActionWarn, scoreID, manual)
	})

	cancelled := func(reason string) {
		m.mu.Lock()
		if m.countdown == cd {
			m.countdown = nil
		}
		m.mu.Unlock()
		e.log.ForIdentity(identity).Info().Str("reason", reason).Msg("countdown cancelled")
		e.record(types.ActionRecord{
			IdentityID:    identity,
			Kind:          types.ActionCountdownCancelled,
			Severity:      notify.SeverityHigh.String(),
			Channel:       reason,
			Outcome:       types.OutcomeRecorded,
			Manual:        manual,
			ScoreRecordID: scoreID,
		})
	}

	for {
		select {
		case <-cd.ctx.Done():
			m.mu.Lock()
			reason := cd.reason
			m.mu.Unlock()
			if reason == "" {
				reason = "shutdown"
			}
			cancelled(reason)
			return
		case c := <-ack:
			if c {
				m.mu.Lock()
				if cd.reason == "" {
					cd.reason = "notifier"
				}
				reason := cd.reason
				m.mu.Unlock()
				cancelled(reason)
				return
			}
			ack = nil
		case <-timer:
			m.mu.Lock()
			if m.countdown != cd || cd.ctx.Err() != nil || cd.reason != "" {
				reason := cd.reason
				m.mu.Unlock()
				if reason == "" {
					reason = "shutdown"
				}
				cancelled(reason)
				return
			}
			m.countdown = nil
			now := e.clock.Now()
			m.state.LastAlertTime = now
			m.state.CooldownUntil = now.Add(e.cfg.Cooldown)
			m.state.ConsecutiveAnomalyCount = 0
			m.mu.Unlock()

			e.record(types.ActionRecord{
				IdentityID:    identity,
				Kind:          types.ActionCountdownResolved,
				Severity:      notify.SeverityHigh.String(),
				Outcome:       types.OutcomeRecorded,
				Manual:        manual,
				ScoreRecordID: scoreID,
			})
			e.execute(identity, e.forcedAction(), scoreID, manual)
			return
		}
	}
}

// execute runs the forced action. A failure is recorded and then announced
// through the notifier chain.
func (e *Escalator) execute(identity string, action platform.Action, scoreID string, manual bool) {
	kind := types.ActionLock
	if action == platform.ActionLogout {
		kind = types.ActionLogout
	}
	rec := types.ActionRecord{
		IdentityID:    identity,
		Kind:          kind,
		Severity:      notify.SeverityHigh.String(),
		Manual:        manual,
		ScoreRecordID: scoreID,
	}

	var err error
	if e.platform == nil {
		err = errors.New("no platform controller configured")
	} else {
		rec.Channel = e.platform.Name()
		ctx, cancel := context.WithTimeout(e.base, e.cfg.DispatchTimeout)
		err = e.pbreaker.Execute(ctx, func(ctx context.Context) error { return e.platform.Execute(ctx, action) })
		cancel()
	}
	if err == nil {
		rec.Outcome = types.OutcomeDelivered
		metrics.AlertsDispatched.WithLabelValues(string(kind), rec.Channel).Inc()
		e.log.ForIdentity(identity).Warn().Str("action", string(action)).Msg("platform action executed")
		e.record(rec)
		return
	}

	rec.Outcome = types.OutcomeFailed
	rec.Error = err.Error()
	metrics.DispatchDegraded.WithLabelValues("platform").Inc()
	e.log.ForIdentity(identity).Error().Err(err).Str("action", string(action)).Msg("platform action failed")
	e.record(rec)

	ctx, cancel := context.WithTimeout(e.base, e.cfg.DispatchTimeout)
	defer cancel()
	e.notifyChain(ctx, notify.Notification{
		IdentityID: identity,
		Severity:   notify.SeverityHigh,
		Title:      "Session action failed",
		Message:    fmt.Sprintf("Could not %s the session: %v", action, err),
	}, types.ActionNotify, scoreID, manual)
}

// notifyChain tries each channel strongest first and records the outcome.
// It reports whether the delivering channel returned a human cancel.
func (e *Escalator) notifyChain(ctx context.Context, n notify.Notification, kind types.ActionKind, scoreID string, manual bool) bool {
	rec := types.ActionRecord{
		IdentityID:    n.IdentityID,
		Kind:          kind,
		Severity:      n.Severity.String(),
		Manual:        manual,
		ScoreRecordID: scoreID,
	}
	intended := ""
	if len(e.channels) > 0 {
		intended = e.channels[0].notifier.Name()
	}

	var errs []error
	for i, ch := range e.channels {
		var cancelled, called bool
		err := ch.breaker.Execute(ctx, func(ctx context.Context) error {
			called = true
			c, err := ch.notifier.Notify(ctx, n)
			cancelled = c
			return err
		})
		if err == nil {
			rec.Channel = ch.notifier.Name()
			rec.Outcome = types.OutcomeDelivered
			if i > 0 {
				derr := &DispatchDegradedError{IdentityID: n.IdentityID, Intended: intended, Used: rec.Channel, Cause: errors.Join(errs...)}
				rec.Outcome = types.OutcomeDegraded
				rec.Error = derr.Error()
				e.log.ForIdentity(n.IdentityID).Warn().Err(derr).Msg("alert delivered on a weaker channel")
			}
			metrics.AlertsDispatched.WithLabelValues(string(kind), rec.Channel).Inc()
			e.record(rec)
			return cancelled
		}
		if ctx.Err() != nil {
			if e.base.Err() != nil {
				return false
			}
			// The countdown resolved while the channel was still showing
			// the warning.
			rec.Channel = ch.notifier.Name()
			rec.Outcome = types.OutcomeRecorded
			if called && kind == types.ActionWarn {
				rec.Outcome = types.OutcomeDelivered
				metrics.AlertsDispatched.WithLabelValues(string(kind), rec.Channel).Inc()
			} else {
				rec.Error = err.Error()
			}
			e.record(rec)
			return false
		}
		errs = append(errs, fmt.Errorf("%s: %w", ch.notifier.Name(), err))
		metrics.DispatchDegraded.WithLabelValues(ch.notifier.Name()).Inc()
	}

	derr := &DispatchDegradedError{IdentityID: n.IdentityID, Intended: intended, Cause: errors.Join(errs...)}
	rec.Outcome = types.OutcomeFailed
	rec.Error = derr.Error()
	e.log.ForIdentity(n.IdentityID).Error().Err(derr).Msg("alert could not be delivered")
	e.record(rec)
	return false
}

func (e *Escalator) record(rec types.ActionRecord) {
	if e.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DispatchTimeout)
	defer cancel()
	if _, err := e.recorder.Record(ctx, rec); err != nil {
		e.log.ForIdentity(rec.IdentityID).Error().Err(err).Str("kind", string(rec.Kind)).Msg("audit record lost")
	}
}

func (e *Escalator) async(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// CancelCountdown stops a running countdown before the forced action.
func (e *Escalator) CancelCountdown(ctx context.Context, identity string) error {
	m := e.machine(identity)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countdown == nil {
		return fmt.Errorf("%s: %w", identity, ErrNoCountdown)
	}
	m.countdown.reason = "operator"
	m.countdown.cancel()
	m.countdown = nil
	e.log.WithContext(ctx).ForIdentity(identity).Info().Msg("countdown cancelled by operator")
	return nil
}

// Reset replaces the identity's state with a fresh idle one, aborting any
// countdown. It runs after a retrain and on operator request.
func (e *Escalator) Reset(ctx context.Context, identity, reason string) {
	m := e.machine(identity)
	m.mu.Lock()
	if m.countdown != nil {
		m.countdown.reason = "reset"
		m.countdown.cancel()
		m.countdown = nil
	}
	m.state = AlertState{IdentityID: identity}
	m.mu.Unlock()

	e.log.WithContext(ctx).ForIdentity(identity).Info().Str("reason", reason).Msg("alert state reset")
	e.async(func() {
		e.record(types.ActionRecord{IdentityID: identity, Kind: types.ActionReset, Channel: reason, Outcome: types.OutcomeRecorded})
	})
}

// Forget tears down the identity's machine entirely.
func (e *Escalator) Forget(identity string) {
	e.mu.Lock()
	m, ok := e.machines[identity]
	delete(e.machines, identity)
	e.mu.Unlock()
	if !ok {
		return
	}
	m.mu.Lock()
	if m.countdown != nil {
		m.countdown.reason = "forgotten"
		m.countdown.cancel()
		m.countdown = nil
	}
	m.mu.Unlock()
}

// State returns a snapshot for identity; unknown identities are idle.
func (e *Escalator) State(identity string) AlertState {
	e.mu.Lock()
	m, ok := e.machines[identity]
	e.mu.Unlock()
	if !ok {
		return AlertState{IdentityID: identity, Phase: PhaseIdle}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(e.clock.Now())
}

// States returns snapshots of every known identity, sorted by identity.
func (e *Escalator) States() []AlertState {
	e.mu.Lock()
	ids := make([]string, 0, len(e.machines))
	for id := range e.machines {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	out := make([]AlertState, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.State(id))
	}
	return out
}

// Wait blocks until every in-flight dispatch and countdown has finished.
func (e *Escalator) Wait() { e.wg.Wait() }

// Close aborts running countdowns and waits for deliveries, up to ctx.
func (e *Escalator) Close(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func alertMessage(score float64, sev notify.Severity) string {
	return fmt.Sprintf("Pointer behaviour does not match the enrolled profile (anomaly score %.2f, %s severity).", score, sev)
}
