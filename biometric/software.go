package biometric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	icrypto "github.com/jmcleod/idvault/internal/crypto"
	"github.com/jmcleod/idvault/internal/util"
	"github.com/jmcleod/idvault/key"
	"github.com/jmcleod/idvault/storage"
)

const (
	// Namespace is the repository namespace holding wrapped keys and canaries.
	Namespace = "__biometric"

	recordTypeWrappedKey = "WRAPPED_KEY"
	recordTypeCanary     = "CANARY"
	recordVer            = 1

	wrapInfoPrefix   = "idvault:biometric-wrap:v1:"
	canaryInfoPrefix = "idvault:biometric-canary:v1:"
)

// SoftwareGate is a Gate that seals the storage key with XChaCha20-Poly1305
// under a key derived from a device secret and the current enrollment ID.
// Changing the enrollment set therefore makes the wrapped key unrecoverable,
// which is how a hardware keystore behaves when biometrics change.
type SoftwareGate struct {
	repo       storage.Repository
	descriptor string
	secret     []byte
	enrollment EnrollmentSource
	prompter   Prompter
	prompt     PromptInfo
	logger     *slog.Logger
}

var _ Gate = (*SoftwareGate)(nil)

// SoftwareGateOption configures a SoftwareGate.
type SoftwareGateOption func(*SoftwareGate)

// WithPromptInfo sets the text passed to the Prompter.
func WithPromptInfo(info PromptInfo) SoftwareGateOption {
	return func(g *SoftwareGate) {
		g.prompt = info
	}
}

// WithLogger sets the logger used for gate diagnostics.
func WithLogger(logger *slog.Logger) SoftwareGateOption {
	return func(g *SoftwareGate) {
		g.logger = logger
	}
}

// NewSoftwareGate returns a gate for the vault identified by descriptor.
// deviceSecret must be 32 bytes and is never written to repo.
func NewSoftwareGate(repo storage.Repository, descriptor string, deviceSecret []byte, enrollment EnrollmentSource, prompter Prompter, opts ...SoftwareGateOption) (*SoftwareGate, error) {
	if len(deviceSecret) != 32 {
		return nil, fmt.Errorf("device secret must be exactly 32 bytes, got %d", len(deviceSecret))
	}
	if enrollment == nil || prompter == nil {
		return nil, fmt.Errorf("enrollment source and prompter are required")
	}
	g := &SoftwareGate{
		repo:       repo,
		descriptor: descriptor,
		secret:     util.CopyBytes(deviceSecret),
		enrollment: enrollment,
		prompter:   prompter,
		prompt:     DefaultPromptInfo(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "biometric", "descriptor", descriptor)
	return g, nil
}

func (g *SoftwareGate) Available() bool {
	_, err := g.enrollment.EnrollmentID()
	return err == nil
}

func (g *SoftwareGate) wrapKey(enrollmentID string) ([]byte, error) {
	return util.HKDF(g.secret, []byte(enrollmentID), []byte(wrapInfoPrefix+g.descriptor))
}

func (g *SoftwareGate) canaryKey() ([]byte, error) {
	return util.HKDF(g.secret, nil, []byte(canaryInfoPrefix+g.descriptor))
}

func (g *SoftwareGate) Wrap(ctx context.Context, k *key.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enrollmentID, err := g.enrollment.EnrollmentID()
	if err != nil {
		return err
	}
	wk, err := g.wrapKey(enrollmentID)
	if err != nil {
		return err
	}
	defer util.WipeBytes(wk)

	plain, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("encoding storage key: %w", err)
	}
	defer util.WipeBytes(plain)

	env, err := storage.SealWrapRecord(wk, plain, icrypto.AADKeyWrap(g.descriptor, "storage", recordVer))
	if err != nil {
		return fmt.Errorf("wrapping storage key: %w", err)
	}
	return g.repo.Put(Namespace, recordTypeWrappedKey, g.descriptor, env)
}

func (g *SoftwareGate) AuthenticateAndUnwrap(ctx context.Context) (*key.Key, error) {
	enrollmentID, err := g.enrollment.EnrollmentID()
	if err != nil {
		return nil, err
	}
	env, err := g.repo.Get(Namespace, recordTypeWrappedKey, g.descriptor)
	if storage.IsNotFound(err) {
		return nil, ErrNoWrappedKey
	}
	if err != nil {
		return nil, fmt.Errorf("loading wrapped key: %w", err)
	}

	if err := g.prompter.Authenticate(ctx, g.prompt); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctxErr)
		}
		return nil, err
	}

	wk, err := g.wrapKey(enrollmentID)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wk)

	plain, err := storage.OpenRecord(wk, env, icrypto.AADKeyWrap(g.descriptor, "storage", recordVer))
	if err != nil {
		g.logger.Warn("wrapped key could not be opened with current enrollment")
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalidated, err)
	}
	defer util.WipeBytes(plain)

	k := &key.Key{}
	if err := json.Unmarshal(plain, k); err != nil {
		return nil, fmt.Errorf("decoding storage key: %w", err)
	}
	return k, nil
}

func (g *SoftwareGate) DestroyWrapped() error {
	err := g.repo.Delete(Namespace, recordTypeWrappedKey, g.descriptor)
	if err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("destroying wrapped key: %w", err)
	}
	return nil
}

func (g *SoftwareGate) ProvisionCanary() error {
	enrollmentID, err := g.enrollment.EnrollmentID()
	if err != nil {
		return err
	}
	ck, err := g.canaryKey()
	if err != nil {
		return err
	}
	defer util.WipeBytes(ck)

	env, err := storage.SealWrapRecord(ck, []byte(enrollmentID), icrypto.AADCanary(g.descriptor, recordVer))
	if err != nil {
		return fmt.Errorf("sealing canary: %w", err)
	}
	return g.repo.Put(Namespace, recordTypeCanary, g.descriptor, env)
}

func (g *SoftwareGate) CheckCanary() error {
	env, err := g.repo.Get(Namespace, recordTypeCanary, g.descriptor)
	if storage.IsNotFound(err) {
		return ErrNoCanary
	}
	if err != nil {
		return fmt.Errorf("loading canary: %w", err)
	}

	enrollmentID, err := g.enrollment.EnrollmentID()
	if errors.Is(err, ErrNotAvailable) {
		// Every enrollment was removed. Only direct gate callers reach this.
		return ErrKeyInvalidated
	}
	if err != nil {
		return err
	}

	ck, err := g.canaryKey()
	if err != nil {
		return err
	}
	defer util.WipeBytes(ck)

	recorded, err := storage.OpenRecord(ck, env, icrypto.AADCanary(g.descriptor, recordVer))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyInvalidated, err)
	}
	if !util.EqualBytes(recorded, []byte(enrollmentID)) {
		return ErrKeyInvalidated
	}
	return nil
}
