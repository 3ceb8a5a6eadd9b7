package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/idvault/vault"
)

const defaultBiometricLockoutCooldown = 30 * time.Second

// OpenFunc constructs the vault for a descriptor. It is called once per
// descriptor for the lifetime of a Registry.
type OpenFunc func(ctx context.Context, desc vault.Descriptor) (*vault.Vault, error)

// Registry holds one live Handle per vault descriptor.
type Registry struct {
	open OpenFunc

	lockAfter       time.Duration
	clearOnTooMany  bool
	prompter        PasscodePrompter
	lockoutCooldown time.Duration
	now             func() time.Time
	logger          *slog.Logger
	registerer      prometheus.Registerer
	metrics         *metrics

	mu      sync.Mutex
	handles map[string]*Handle
}

// Option configures a Registry.
type Option func(*Registry)

// WithLockAfter locks unlocked vaults that return from the background after
// more than d. Zero disables it.
func WithLockAfter(d time.Duration) Option {
	return func(r *Registry) {
		r.lockAfter = d
	}
}

// WithClearOnTooManyFailedAttempts controls whether a vault is cleared when
// its unlock attempts are exhausted. It defaults to true.
func WithClearOnTooManyFailedAttempts(clear bool) Option {
	return func(r *Registry) {
		r.clearOnTooMany = clear
	}
}

// WithPasscodePrompter sets the prompter used when unlock or setPasscode
// carry no passcode.
func WithPasscodePrompter(p PasscodePrompter) Option {
	return func(r *Registry) {
		r.prompter = p
	}
}

// WithBiometricLockoutCooldown sets how long isLockedOutOfBiometrics stays
// true after the sensor reports a lockout.
func WithBiometricLockoutCooldown(d time.Duration) Option {
	return func(r *Registry) {
		r.lockoutCooldown = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics registers the bridge counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Registry) {
		r.registerer = reg
	}
}

// NewRegistry returns an empty registry that opens vaults with open.
func NewRegistry(open OpenFunc, opts ...Option) *Registry {
	r := &Registry{
		open:            open,
		clearOnTooMany:  true,
		lockoutCooldown: defaultBiometricLockoutCooldown,
		now:             time.Now,
		logger:          slog.Default(),
		handles:         make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "bridge")
	r.metrics = newMetrics(r.registerer)
	return r
}

// Get returns the handle for desc, opening the vault on first use.
func (r *Registry) Get(ctx context.Context, desc vault.Descriptor) (*Handle, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	id := desc.UniqueID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		return h, nil
	}
	v, err := r.open(ctx, desc)
	if err != nil {
		return nil, err
	}
	h := newHandle(r, v)
	r.handles[id] = h
	r.logger.Debug("vault opened", slog.String("descriptor", id))
	return h, nil
}

// Remove closes and forgets the vault for desc.
func (r *Registry) Remove(desc vault.Descriptor) {
	r.mu.Lock()
	h, ok := r.handles[desc.UniqueID()]
	delete(r.handles, desc.UniqueID())
	r.mu.Unlock()
	if ok {
		h.v.Close()
	}
}

// Close closes every open vault.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()
	for _, h := range handles {
		h.v.Close()
	}
}

func (r *Registry) snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// Background records that the host application moved to the background.
// Vaults with a biometric prompt in progress are not affected.
func (r *Registry) Background() {
	now := r.now()
	for _, h := range r.snapshot() {
		h.background(now)
	}
}

// Foreground locks every vault that stayed in the background longer than
// the lock-after duration.
func (r *Registry) Foreground(ctx context.Context) {
	now := r.now()
	for _, h := range r.snapshot() {
		h.foreground(ctx, now)
	}
}

// Dispatch runs one request against the vault it names.
func (r *Registry) Dispatch(ctx context.Context, req Request) Response {
	h, err := r.Get(ctx, req.Descriptor)
	if err != nil {
		r.metrics.error(req.Action, err)
		return errorResponse(err)
	}
	value, err := h.dispatch(ctx, req)
	if err != nil {
		r.metrics.error(req.Action, err)
		r.logger.Debug("action failed",
			slog.String("action", string(req.Action)),
			slog.String("descriptor", req.Descriptor.UniqueID()),
			slog.Any("error", err),
		)
		return errorResponse(err)
	}
	return okResponse(value)
}
