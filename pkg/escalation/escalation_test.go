package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointerguard/pkg/audit"
	"pointerguard/pkg/notify"
	"pointerguard/pkg/platform"
	"pointerguard/pkg/store"
	"pointerguard/shared/types"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			t.ch <- c.now
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
}

type fakeNotifier struct {
	name      string
	err       error
	cancelled bool

	mu    sync.Mutex
	calls []notify.Notification
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n)
	if f.err != nil {
		return false, f.err
	}
	return f.cancelled && n.Countdown > 0, nil
}

func (f *fakeNotifier) Calls() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification(nil), f.calls...)
}

type fakePlatform struct {
	err error

	mu      sync.Mutex
	actions []platform.Action
}

func (f *fakePlatform) Name() string { return "fake" }

func (f *fakePlatform) Execute(_ context.Context, a platform.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return f.err
}

func (f *fakePlatform) Actions() []platform.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Action(nil), f.actions...)
}

type harness struct {
	esc      *Escalator
	clock    *fakeClock
	desktop  *fakeNotifier
	log      *fakeNotifier
	platform *fakePlatform
	store    *store.MemoryStore
}

func testConfig() Config {
	return Config{
		NotifyThreshold: 0.8,
		LockThreshold:   0.9,
		Cooldown:        60 * time.Second,
		Countdown:       30 * time.Second,
		DispatchTimeout: time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		desktop:  &fakeNotifier{name: "desktop"},
		log:      &fakeNotifier{name: "log"},
		platform: &fakePlatform{},
		store:    store.NewMemoryStore(),
	}
	h.esc = New(cfg, []notify.Notifier{h.desktop, h.log}, h.platform, audit.NewRecorder(h.store), nil, WithClock(h.clock))
	t.Cleanup(func() { _ = h.esc.Close(context.Background()) })
	return h
}

func (h *harness) score(identity string, s float64) types.ScoreRecord {
	decision := types.DecisionNormal
	if s >= 0.8 {
		decision = types.DecisionAnomalous
	}
	return types.ScoreRecord{ID: uuid.NewString(), IdentityID: identity, AnomalyScore: s, Decision: decision, ScoredAt: h.clock.Now()}
}

func (h *harness) actions(t *testing.T, identity string, kind types.ActionKind) []types.ActionRecord {
	t.Helper()
	all, err := h.store.Actions(context.Background(), identity, 0)
	require.NoError(t, err)
	var out []types.ActionRecord
	for _, a := range all {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func TestHandle_BurstWithinCooldownDispatchesOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		h.esc.Handle(ctx, h.score("alice", 0.85))
		h.clock.Advance(500 * time.Millisecond)
	}
	h.esc.Wait()

	require.Len(t, h.desktop.Calls(), 1)
	assert.Equal(t, notify.SeverityMedium, h.desktop.Calls()[0].Severity)
	assert.Empty(t, h.log.Calls())

	st := h.esc.State("alice")
	assert.Equal(t, 9, st.ConsecutiveAnomalyCount)
	assert.Equal(t, PhaseCooling, st.Phase)
	assert.Len(t, h.actions(t, "alice", types.ActionSuppressed), 9)
	assert.Len(t, h.actions(t, "alice", types.ActionNotify), 1)
}

func TestHandle_CooldownExpiryAllowsNextAlert(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.esc.Handle(ctx, h.score("alice", 0.82))
	h.clock.Advance(61 * time.Second)
	h.esc.Handle(ctx, h.score("alice", 0.82))
	h.esc.Wait()

	assert.Len(t, h.desktop.Calls(), 2)
	assert.Equal(t, 0, h.esc.State("alice").ConsecutiveAnomalyCount)
}

func TestHandle_NormalRecordsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.esc.Handle(context.Background(), h.score("alice", 0.3))
	h.esc.Wait()
	assert.Empty(t, h.desktop.Calls())
	assert.Equal(t, PhaseIdle, h.esc.State("alice").Phase)
}

func TestHandle_LowSeverityBelowNotifyThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyThreshold = 0.85
	h := newHarness(t, cfg)
	h.esc.Handle(context.Background(), h.score("alice", 0.81))
	h.esc.Wait()
	require.Len(t, h.desktop.Calls(), 1)
	assert.Equal(t, notify.SeverityLow, h.desktop.Calls()[0].Severity)
}

func TestCountdown_ElapsesIntoExactlyOneLock(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.esc.Handle(ctx, h.score("alice", 0.95))
	assert.Equal(t, PhaseCountdown, h.esc.State("alice").Phase)
	h.esc.Handle(ctx, h.score("alice", 0.97))

	h.clock.Advance(30 * time.Second)
	h.esc.Wait()

	assert.Equal(t, []platform.Action{platform.ActionLock}, h.platform.Actions())
	require.Len(t, h.desktop.Calls(), 1)
	assert.Equal(t, 30*time.Second, h.desktop.Calls()[0].Countdown)
	assert.Len(t, h.actions(t, "alice", types.ActionCountdownResolved), 1)
	locks := h.actions(t, "alice", types.ActionLock)
	require.Len(t, locks, 1)
	assert.Equal(t, types.OutcomeDelivered, locks[0].Outcome)
	assert.Equal(t, PhaseCooling, h.esc.State("alice").Phase)
}

func TestCountdown_OperatorCancelPreventsLock(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.esc.Handle(ctx, h.score("alice", 0.95))
	require.NoError(t, h.esc.CancelCountdown(ctx, "alice"))
	h.clock.Advance(31 * time.Second)
	h.esc.Wait()

	assert.Empty(t, h.platform.Actions())
	cancelled := h.actions(t, "alice", types.ActionCountdownCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "operator", cancelled[0].Channel)

	require.ErrorIs(t, h.esc.CancelCountdown(ctx, "alice"), ErrNoCountdown)
}

func TestCountdown_NotifierCancelPreventsLock(t *testing.T) {
	h := newHarness(t, testConfig())
	h.desktop.cancelled = true

	h.esc.Handle(context.Background(), h.score("alice", 0.95))
	h.esc.Wait()
	h.clock.Advance(31 * time.Second)

	assert.Empty(t, h.platform.Actions())
	cancelled := h.actions(t, "alice", types.ActionCountdownCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "notifier", cancelled[0].Channel)
}

func TestCountdown_ForceLogout(t *testing.T) {
	cfg := testConfig()
	cfg.ForceLogout = true
	h := newHarness(t, cfg)

	h.esc.Handle(context.Background(), h.score("alice", 0.99))
	h.clock.Advance(30 * time.Second)
	h.esc.Wait()

	assert.Equal(t, []platform.Action{platform.ActionLogout}, h.platform.Actions())
	assert.Len(t, h.actions(t, "alice", types.ActionLogout), 1)
}

func TestCountdown_PlatformFailureIsRecordedAndAnnounced(t *testing.T) {
	h := newHarness(t, testConfig())
	h.platform.err = errors.New("logind unavailable")

	h.esc.Handle(context.Background(), h.score("alice", 0.95))
	h.clock.Advance(30 * time.Second)
	h.esc.Wait()

	locks := h.actions(t, "alice", types.ActionLock)
	require.Len(t, locks, 1)
	assert.Equal(t, types.OutcomeFailed, locks[0].Outcome)
	assert.Contains(t, locks[0].Error, "logind unavailable")

	var titles []string
	for _, c := range h.desktop.Calls() {
		titles = append(titles, c.Title)
	}
	assert.Len(t, titles, 2)
	assert.Contains(t, titles, "Session action failed")
}

func TestReset_ClearsStateAndAbortsCountdown(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.esc.Handle(ctx, h.score("alice", 0.95))
	h.esc.Handle(ctx, h.score("alice", 0.95))
	require.Equal(t, 1, h.esc.State("alice").ConsecutiveAnomalyCount)

	h.esc.Reset(ctx, "alice", "retrain")
	st := h.esc.State("alice")
	assert.Equal(t, 0, st.ConsecutiveAnomalyCount)
	assert.True(t, st.CooldownUntil.IsZero())
	assert.Equal(t, PhaseIdle, st.Phase)

	h.clock.Advance(31 * time.Second)
	h.esc.Wait()
	assert.Empty(t, h.platform.Actions())
	resets := h.actions(t, "alice", types.ActionReset)
	require.Len(t, resets, 1)
	assert.Equal(t, "retrain", resets[0].Channel)

	// Fresh state means the next anomaly dispatches immediately.
	h.esc.Handle(ctx, h.score("alice", 0.85))
	h.esc.Wait()
	assert.Len(t, h.desktop.Calls(), 2)
}

func TestManualAlert_BypassesAndRenewsCooldown(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.esc.Handle(ctx, h.score("alice", 0.85))
	h.clock.Advance(30 * time.Second)
	h.esc.ManualAlert(ctx, "alice", notify.SeverityMedium, "")
	h.clock.Advance(40 * time.Second)
	// 70s after the first alert but only 40s after the manual one.
	h.esc.Handle(ctx, h.score("alice", 0.85))
	h.esc.Wait()

	require.Len(t, h.desktop.Calls(), 2)
	notifies := h.actions(t, "alice", types.ActionNotify)
	require.Len(t, notifies, 2)
	manual := 0
	for _, a := range notifies {
		if a.Manual {
			manual++
		}
	}
	assert.Equal(t, 1, manual)
	assert.Len(t, h.actions(t, "alice", types.ActionSuppressed), 1)
}

func TestDispatch_DegradesToWeakerChannel(t *testing.T) {
	h := newHarness(t, testConfig())
	h.desktop.err = errors.New("no session bus")

	h.esc.Handle(context.Background(), h.score("alice", 0.85))
	h.esc.Wait()

	assert.Len(t, h.log.Calls(), 1)
	notifies := h.actions(t, "alice", types.ActionNotify)
	require.Len(t, notifies, 1)
	assert.Equal(t, types.OutcomeDegraded, notifies[0].Outcome)
	assert.Equal(t, "log", notifies[0].Channel)
	assert.Contains(t, notifies[0].Error, "degraded from desktop to log")
}

func TestDispatch_AllChannelsFailStillAudited(t *testing.T) {
	h := newHarness(t, testConfig())
	h.desktop.err = errors.New("no session bus")
	h.log.err = errors.New("disk full")

	h.esc.Handle(context.Background(), h.score("alice", 0.85))
	h.esc.Wait()

	notifies := h.actions(t, "alice", types.ActionNotify)
	require.Len(t, notifies, 1)
	assert.Equal(t, types.OutcomeFailed, notifies[0].Outcome)
	assert.Empty(t, notifies[0].Channel)
}

func TestIdentitiesArePartitioned(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.esc.Handle(ctx, h.score("alice", 0.85))
	h.esc.Handle(ctx, h.score("bob", 0.85))
	h.esc.Wait()

	assert.Len(t, h.desktop.Calls(), 2)
	states := h.esc.States()
	require.Len(t, states, 2)
	assert.Equal(t, "alice", states[0].IdentityID)
	assert.Equal(t, "bob", states[1].IdentityID)

	h.esc.Forget("bob")
	assert.Len(t, h.esc.States(), 1)
}

func TestAuditTrailVerifies(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.esc.Handle(ctx, h.score("alice", 0.95))
	h.clock.Advance(30 * time.Second)
	h.esc.Wait()

	all, err := h.store.Actions(ctx, "alice", 0)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	require.NoError(t, audit.Verify(all, false))
}

func TestDispatchDegradedError(t *testing.T) {
	cause := errors.New("bus down")
	err := error(&DispatchDegradedError{IdentityID: "alice", Intended: "desktop", Used: "log", Cause: cause})
	assert.ErrorIs(t, err, ErrDispatchDegraded)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, (&DispatchDegradedError{IdentityID: "alice", Cause: cause}).Error(), "every channel")
}

type blockingNotifier struct {
	name    string
	started chan struct{}
	once    sync.Once
}

func (b *blockingNotifier) Name() string { return b.name }

func (b *blockingNotifier) Notify(ctx context.Context, _ notify.Notification) (bool, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return false, ctx.Err()
}

func TestCountdown_WarningShownUntilLockIsAudited(t *testing.T) {
	h := newHarness(t, testConfig())
	desktop := &blockingNotifier{name: "desktop", started: make(chan struct{})}
	h.esc = New(testConfig(), []notify.Notifier{desktop, h.log}, h.platform, audit.NewRecorder(h.store), nil, WithClock(h.clock))
	t.Cleanup(func() { _ = h.esc.Close(context.Background()) })

	h.esc.Handle(context.Background(), h.score("alice", 0.95))
	select {
	case <-desktop.started:
	case <-time.After(2 * time.Second):
		t.Fatal("countdown warning never reached the desktop channel")
	}
	h.clock.Advance(30 * time.Second)
	h.esc.Wait()

	assert.Equal(t, []platform.Action{platform.ActionLock}, h.platform.Actions())
	warns := h.actions(t, "alice", types.ActionWarn)
	require.Len(t, warns, 1)
	assert.Equal(t, "desktop", warns[0].Channel)
	assert.Equal(t, types.OutcomeDelivered, warns[0].Outcome)
	assert.Empty(t, h.log.Calls())
}
