package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/idvault/biometric"
	"github.com/jmcleod/idvault/internal/util"
	"github.com/jmcleod/idvault/storage/memory"
	"github.com/jmcleod/idvault/vault"
)

var alice = vault.Descriptor{Username: "alice", VaultID: "main"}

type sensor struct {
	mu      sync.Mutex
	results []error
}

func (s *sensor) Authenticate(_ context.Context, _ biometric.PromptInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

func (s *sensor) queue(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, errs...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	registry   *Registry
	sensor     *sensor
	enrollment *biometric.StaticEnrollment
	clock      *fakeClock
	metrics    *prometheus.Registry
	events     *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.events))
	for i, e := range l.events {
		names[i] = e.Name
	}
	return names
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := memory.NewRepository()
	stateKey, err := util.NewAESKey()
	require.NoError(t, err)
	states, err := vault.NewSealedStateStore(repo, stateKey)
	require.NoError(t, err)
	secret, err := util.RandomBytes(32)
	require.NoError(t, err)

	f := &fixture{
		sensor:     &sensor{},
		enrollment: biometric.NewStaticEnrollment("enrollment-1"),
		clock:      &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		metrics:    prometheus.NewRegistry(),
		events:     &eventLog{},
	}
	open := func(ctx context.Context, desc vault.Descriptor) (*vault.Vault, error) {
		gate, err := biometric.NewSoftwareGate(repo, desc.UniqueID(), secret, f.enrollment, f.sensor)
		if err != nil {
			return nil, err
		}
		return vault.New(ctx, desc, repo, states, vault.WithBiometricGate(gate))
	}
	opts = append([]Option{WithClock(f.clock.Now), WithMetrics(f.metrics)}, opts...)
	f.registry = NewRegistry(open, opts...)
	t.Cleanup(f.registry.Close)
	return f
}

func (f *fixture) do(t *testing.T, req Request) Response {
	t.Helper()
	if req.Descriptor == (vault.Descriptor{}) {
		req.Descriptor = alice
	}
	return f.registry.Dispatch(t.Context(), req)
}

func (f *fixture) ok(t *testing.T, req Request) any {
	t.Helper()
	resp := f.do(t, req)
	require.Nil(t, resp.Error, "%s: %+v", req.Action, resp.Error)
	return resp.Value
}

func (f *fixture) fails(t *testing.T, req Request, kind vault.Kind) *ErrorBody {
	t.Helper()
	resp := f.do(t, req)
	require.NotNil(t, resp.Error, "%s succeeded", req.Action)
	assert.Equal(t, kind.Code(), resp.Error.Code, "%s: %s", req.Action, resp.Error.Message)
	return resp.Error
}

func (f *fixture) setup(t *testing.T) string {
	t.Helper()
	id, ok := f.ok(t, Request{Action: ActionSetup, Handler: f.events.handle}).(string)
	require.True(t, ok)
	return id
}

func (f *fixture) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := f.metrics.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func ptr[T any](v T) *T {
	return &v
}

func (f *fixture) protectWithPasscode(t *testing.T, passcode string) {
	t.Helper()
	f.ok(t, Request{Action: ActionSetPasscodeEnabled, Enabled: ptr(true)})
	f.ok(t, Request{Action: ActionSetPasscode, Passcode: ptr(passcode)})
	f.ok(t, Request{Action: ActionStoreValue, Key: "token", Value: json.RawMessage(`{"access":"abc"}`)})
}

func TestDispatch_ValueRoundTrip(t *testing.T) {
	f := newFixture(t)

	assert.Nil(t, f.ok(t, Request{Action: ActionGetValue, Key: "token"}), "missing key is null")

	f.ok(t, Request{Action: ActionStoreValue, Key: "token", Value: json.RawMessage(`{"access":"abc"}`)})
	f.ok(t, Request{Action: ActionStoreValue, Key: "count", Value: json.RawMessage(`3`)})

	got := f.ok(t, Request{Action: ActionGetValue, Key: "token"})
	assert.JSONEq(t, `{"access":"abc"}`, string(got.(json.RawMessage)))
	assert.Equal(t, []string{"count", "token"}, f.ok(t, Request{Action: ActionGetKeys}))
	assert.Equal(t, true, f.ok(t, Request{Action: ActionIsInUse}))
	assert.Equal(t, "alice", f.ok(t, Request{Action: ActionGetUsername}))

	f.ok(t, Request{Action: ActionRemoveValue, Key: "count"})
	assert.Equal(t, []string{"token"}, f.ok(t, Request{Action: ActionGetKeys}))

	f.ok(t, Request{Action: ActionClear})
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsInUse}))
	assert.Equal(t, 1.0, f.counter(t, "idvault_clears_total", map[string]string{"reason": "manual"}))
}

func TestDispatch_InvalidArguments(t *testing.T) {
	f := newFixture(t)

	f.fails(t, Request{Action: ActionStoreValue, Key: "k", Value: json.RawMessage(`{not json`)}, vault.KindInvalidArguments)
	f.fails(t, Request{Action: ActionStoreValue, Value: json.RawMessage(`1`)}, vault.KindInvalidArguments)
	f.fails(t, Request{Action: ActionGetValue}, vault.KindInvalidArguments)
	f.fails(t, Request{Action: ActionSetPasscodeEnabled}, vault.KindInvalidArguments)
	f.fails(t, Request{Action: ActionSetup}, vault.KindInvalidArguments)
	f.fails(t, Request{Action: "frobnicate"}, vault.KindInvalidArguments)
	f.fails(t, Request{Action: ActionIsLocked, Descriptor: vault.Descriptor{Username: "a:b", VaultID: "v"}}, vault.KindInvalidArguments)

	assert.Equal(t, 1.0, f.counter(t, "idvault_errors_total", map[string]string{"action": "frobnicate", "kind": "InvalidArguments"}))
}

func TestDispatch_RegistryKeepsOneVaultPerDescriptor(t *testing.T) {
	f := newFixture(t)
	bob := vault.Descriptor{Username: "bob", VaultID: "main"}

	f.ok(t, Request{Action: ActionStoreValue, Key: "k", Value: json.RawMessage(`"a"`)})
	assert.Nil(t, f.ok(t, Request{Action: ActionGetValue, Descriptor: bob, Key: "k"}))

	h1, err := f.registry.Get(t.Context(), alice)
	require.NoError(t, err)
	h2, err := f.registry.Get(t.Context(), alice)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}

func TestEvents_SetupConfigAndClose(t *testing.T) {
	f := newFixture(t)
	id := f.setup(t)
	assert.NotEmpty(t, id)

	require.Equal(t, []string{EventConfig}, f.events.names())
	ev := f.events.last()
	assert.Equal(t, id, ev.HandlerID)
	cfg, ok := ev.Data.(ConfigData)
	require.True(t, ok)
	assert.Equal(t, alice, cfg.Descriptor)

	f.ok(t, Request{Action: ActionSetPasscodeEnabled, Enabled: ptr(true)})
	assert.Equal(t, []string{EventConfig, EventConfig}, f.events.names())
	assert.True(t, f.events.last().Data.(ConfigData).PasscodeSetupNeeded)

	f.ok(t, Request{Action: ActionSetPasscode, Passcode: ptr("1234")})
	assert.Len(t, f.events.names(), 3, "first passcode emits config")
	f.ok(t, Request{Action: ActionSetPasscode, Passcode: ptr("5678")})
	assert.Len(t, f.events.names(), 3, "changing the passcode does not")

	f.ok(t, Request{Action: ActionClose, HandlerID: id})
	f.ok(t, Request{Action: ActionSetBiometricsEnabled, Enabled: ptr(true)})
	assert.Len(t, f.events.names(), 3)
}

func TestEvents_HandlerErrorDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.ok(t, Request{Action: ActionSetup, Handler: func(Event) error { return errors.New("host gone") }})
	f.ok(t, Request{Action: ActionSetPasscodeEnabled, Enabled: ptr(true)})
}

func TestLockUnlock_Passcode(t *testing.T) {
	f := newFixture(t)
	f.protectWithPasscode(t, "1234")
	f.setup(t)
	f.events.reset()

	f.ok(t, Request{Action: ActionLock})
	assert.Equal(t, true, f.ok(t, Request{Action: ActionIsLocked}))
	require.Equal(t, []string{EventLock}, f.events.names())
	assert.Equal(t, LockData{Timeout: false, Saved: true}, f.events.last().Data)

	f.ok(t, Request{Action: ActionLock})
	assert.Len(t, f.events.names(), 1, "locking a locked vault emits nothing")

	f.fails(t, Request{Action: ActionGetValue, Key: "token"}, vault.KindVaultLocked)
	f.fails(t, Request{Action: ActionUnlock, WithPasscode: true, Passcode: ptr("0000")}, vault.KindAuthFailed)
	assert.Equal(t, 4, f.ok(t, Request{Action: ActionRemainingAttempts}))

	f.ok(t, Request{Action: ActionUnlock, WithPasscode: true, Passcode: ptr("1234")})
	assert.Equal(t, []string{EventLock, EventUnlock}, f.events.names())
	assert.False(t, f.events.last().Data.(ConfigData).Locked)

	assert.Equal(t, 1.0, f.counter(t, "idvault_unlock_attempts_total", map[string]string{"method": "passcode", "result": "success"}))
	assert.Equal(t, 1.0, f.counter(t, "idvault_unlock_attempts_total", map[string]string{"method": "passcode", "result": "AuthFailed"}))
	assert.Equal(t, 1.0, f.counter(t, "idvault_locks_total", map[string]string{"trigger": "manual"}))
}

func TestUnlock_PasscodeNotEnabled(t *testing.T) {
	f := newFixture(t)
	f.fails(t, Request{Action: ActionUnlock, WithPasscode: true, Passcode: ptr("1234")}, vault.KindPasscodeNotEnabled)
	f.fails(t, Request{Action: ActionSetPasscode, Passcode: ptr("1234")}, vault.KindPasscodeNotEnabled)
}

func TestTooManyFailedAttempts_ClearsVault(t *testing.T) {
	f := newFixture(t)
	f.protectWithPasscode(t, "1234")
	f.ok(t, Request{Action: ActionLock})

	for range 4 {
		f.fails(t, Request{Action: ActionUnlock, WithPasscode: true, Passcode: ptr("0000")}, vault.KindAuthFailed)
	}
	f.fails(t, Request{Action: ActionUnlock, WithPasscode: true, Passcode: ptr("0000")}, vault.KindTooManyFailedAttempts)

	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsLocked}))
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsInUse}))
	assert.Equal(t, true, f.ok(t, Request{Action: ActionIsPasscodeSetupNeeded}))
	assert.Equal(t, 5, f.ok(t, Request{Action: ActionRemainingAttempts}))
	assert.Equal(t, 1.0, f.counter(t, "idvault_clears_total", map[string]string{"reason": "too_many_failed_attempts"}))
}

func TestTooManyFailedAttempts_KeepsVaultWhenDisabled(t *testing.T) {
	f := newFixture(t, WithClearOnTooManyFailedAttempts(false))
	f.protectWithPasscode(t, "1234")
	f.ok(t, Request{Action: ActionLock})

	for range 5 {
		f.do(t, Request{Action: ActionUnlock, WithPasscode: true, Passcode: ptr("0000")})
	}
	assert.Equal(t, true, f.ok(t, Request{Action: ActionIsLocked}))
	assert.Equal(t, true, f.ok(t, Request{Action: ActionIsInUse}))
}

func TestUnlock_Biometrics(t *testing.T) {
	f := newFixture(t)
	f.ok(t, Request{Action: ActionSetBiometricsEnabled, Enabled: ptr(true)})
	f.ok(t, Request{Action: ActionStoreValue, Key: "k", Value: json.RawMessage(`true`)})
	f.setup(t)
	f.ok(t, Request{Action: ActionLock})
	f.events.reset()

	f.sensor.queue(biometric.ErrCanceled)
	f.fails(t, Request{Action: ActionUnlock}, vault.KindUserCanceled)
	assert.Empty(t, f.events.names())

	f.ok(t, Request{Action: ActionUnlock})
	assert.Equal(t, []string{EventUnlock}, f.events.names())
	assert.Equal(t, json.RawMessage(`true`), f.ok(t, Request{Action: ActionGetValue, Key: "k"}))
}

func TestUnlock_BiometricLockout(t *testing.T) {
	f := newFixture(t)
	f.ok(t, Request{Action: ActionSetBiometricsEnabled, Enabled: ptr(true)})
	f.ok(t, Request{Action: ActionStoreValue, Key: "k", Value: json.RawMessage(`1`)})
	f.ok(t, Request{Action: ActionLock})

	f.sensor.queue(biometric.ErrLockout)
	f.fails(t, Request{Action: ActionUnlock}, vault.KindTooManyFailedAttempts)
	assert.Equal(t, true, f.ok(t, Request{Action: ActionIsLockedOutOfBiometrics}))
	assert.Equal(t, true, f.ok(t, Request{Action: ActionIsInUse}), "sensor lockout never clears")

	f.clock.Advance(31 * time.Second)
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsLockedOutOfBiometrics}))

	f.sensor.queue(biometric.ErrLockout)
	f.fails(t, Request{Action: ActionUnlock}, vault.KindTooManyFailedAttempts)
	f.ok(t, Request{Action: ActionUnlock})
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsLockedOutOfBiometrics}), "reset by the next result")
}

func TestUnlock_EnrollmentChange(t *testing.T) {
	f := newFixture(t)
	f.ok(t, Request{Action: ActionSetBiometricsEnabled, Enabled: ptr(true)})
	f.ok(t, Request{Action: ActionStoreValue, Key: "k", Value: json.RawMessage(`1`)})
	f.ok(t, Request{Action: ActionLock})
	f.setup(t)
	f.events.reset()

	f.enrollment.Set("enrollment-2")
	f.fails(t, Request{Action: ActionUnlock}, vault.KindInvalidatedCredentials)
	assert.Equal(t, []string{EventConfig}, f.events.names())
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsInUse}))
}

func TestPasscodePrompter(t *testing.T) {
	var prompts []bool
	answers := []struct {
		code string
		err  error
	}{
		{err: ErrPromptMismatch},
		{code: "1234"},
		{err: ErrPromptCanceled},
		{code: "1234"},
	}
	prompter := PasscodePrompterFunc(func(_ context.Context, confirm bool) (string, error) {
		prompts = append(prompts, confirm)
		a := answers[0]
		answers = answers[1:]
		return a.code, a.err
	})
	f := newFixture(t, WithPasscodePrompter(prompter))

	f.ok(t, Request{Action: ActionSetPasscodeEnabled, Enabled: ptr(true)})
	f.fails(t, Request{Action: ActionSetPasscode}, vault.KindMismatchedPasscode)
	f.ok(t, Request{Action: ActionSetPasscode})
	f.ok(t, Request{Action: ActionStoreValue, Key: "k", Value: json.RawMessage(`1`)})
	f.ok(t, Request{Action: ActionLock})

	f.fails(t, Request{Action: ActionUnlock, WithPasscode: true}, vault.KindUserCanceled)
	f.ok(t, Request{Action: ActionUnlock, WithPasscode: true})

	assert.Equal(t, []bool{true, true, false, false}, prompts)
}

func TestUnlock_NoPrompterNoPasscode(t *testing.T) {
	f := newFixture(t)
	f.protectWithPasscode(t, "1234")
	f.ok(t, Request{Action: ActionLock})
	f.fails(t, Request{Action: ActionUnlock, WithPasscode: true}, vault.KindInvalidArguments)
}

func TestLockAfterBackground(t *testing.T) {
	f := newFixture(t, WithLockAfter(time.Minute))
	f.protectWithPasscode(t, "1234")
	f.setup(t)
	f.events.reset()

	f.registry.Background()
	f.clock.Advance(30 * time.Second)
	f.registry.Foreground(t.Context())
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsLocked}))

	f.registry.Background()
	f.clock.Advance(2 * time.Minute)
	f.registry.Foreground(t.Context())
	assert.Equal(t, true, f.ok(t, Request{Action: ActionIsLocked}))
	require.Equal(t, []string{EventLock}, f.events.names())
	assert.Equal(t, LockData{Timeout: true, Saved: true}, f.events.last().Data)
	assert.Equal(t, 1.0, f.counter(t, "idvault_locks_total", map[string]string{"trigger": "timeout"}))

	cfg := f.ok(t, Request{Action: ActionGetConfig}).(ConfigData)
	assert.Equal(t, int64(60000), cfg.LockAfter)
}

func TestLockAfterBackground_Disabled(t *testing.T) {
	f := newFixture(t)
	f.protectWithPasscode(t, "1234")

	f.registry.Background()
	f.clock.Advance(24 * time.Hour)
	f.registry.Foreground(t.Context())
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsLocked}))
}

func TestSecureStorageModeViaDispatch(t *testing.T) {
	f := newFixture(t)
	f.protectWithPasscode(t, "1234")

	f.ok(t, Request{Action: ActionSetSecureStorageModeEnabled, Enabled: ptr(true)})
	assert.Equal(t, true, f.ok(t, Request{Action: ActionIsSecureStorageModeEnabled}))
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsPasscodeEnabled}))
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsBiometricsEnabled}))

	f.ok(t, Request{Action: ActionLock})
	assert.Equal(t, false, f.ok(t, Request{Action: ActionIsLocked}))
	assert.NotNil(t, f.ok(t, Request{Action: ActionGetValue, Key: "token"}))
}

func TestResponseJSON(t *testing.T) {
	resp := errorResponse(vault.ErrKeyNotFound)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":12,"message":"Key Not Found"}}`, string(data))

	data, err = json.Marshal(okResponse(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))

	body := errorBody(errors.New("boom"))
	assert.Equal(t, 0, body.Code)
	assert.Equal(t, "boom", body.Message)
}
