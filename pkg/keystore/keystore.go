// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securechip.
//
// go-securechip is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package keystore protects the wallet seed with the secure chip.
//
// The seed is sealed with the authenticated cipher under the secret that
// the chip stretches from the user password. Unlocking stretches the
// candidate password and tries to open the sealed seed; the cipher's tag
// check is the only place a wrong password becomes visible. Failed attempts
// are counted in flash and the device is wiped once MaxUnlockAttempts is
// reached, independently of the chip's own monotonic counter.
package keystore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-securechip/pkg/crypto/cipher"
	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/memory"
	"github.com/jeremyhahn/go-securechip/pkg/metrics"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

// DefaultMaxUnlockAttempts is the number of consecutive failed unlocks
// after which the device is wiped.
const DefaultMaxUnlockAttempts = 10

var (
	// ErrIncorrectPassword is returned when the stretched secret does not
	// open the sealed seed.
	ErrIncorrectPassword = errors.New("keystore: incorrect password")

	// ErrMaxAttemptsExceeded is returned when the attempt limit was reached.
	// The device has been wiped.
	ErrMaxAttemptsExceeded = errors.New("keystore: maximum unlock attempts exceeded, device wiped")

	// ErrLocked is returned when the seed is requested while locked.
	ErrLocked = errors.New("keystore: locked")

	// ErrInvalidSeed is returned for seeds that are not 16, 24 or 32 bytes.
	ErrInvalidSeed = errors.New("keystore: invalid seed length")

	// ErrSeedMismatch is returned when the freshly sealed seed does not open
	// to the original. Nothing is stored in that case.
	ErrSeedMismatch = errors.New("keystore: sealed seed verification failed")

	// ErrNotInitialized is returned by Unlock when no password was created.
	ErrNotInitialized = errors.New("keystore: not initialized")
)

// Config configures a Keystore.
type Config struct {
	// MaxUnlockAttempts defaults to DefaultMaxUnlockAttempts.
	MaxUnlockAttempts uint8

	// UnlockInterval is the minimum time between unlock attempts. Zero
	// disables throttling.
	UnlockInterval time.Duration

	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

// Keystore seals and unseals the seed. It is safe for concurrent use.
type Keystore struct {
	mu          sync.Mutex
	chip        securechip.SecureChip
	mem         *memory.Memory
	cipher      *cipher.Cipher
	throttle    *rate.Limiter
	maxAttempts uint8
	log         logging.Logger
	seed        *secret.Buffer
}

// New returns a locked keystore. chip and mem must both be set up.
func New(chip securechip.SecureChip, mem *memory.Memory, cfg Config) *Keystore {
	maxAttempts := cfg.MaxUnlockAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxUnlockAttempts
	}
	limit := rate.Inf
	if cfg.UnlockInterval > 0 {
		limit = rate.Every(cfg.UnlockInterval)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NoOp()
	}
	return &Keystore{
		chip:        chip,
		mem:         mem,
		cipher:      cipher.New(),
		throttle:    rate.NewLimiter(limit, 1),
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// MaxUnlockAttempts returns the configured attempt limit.
func (k *Keystore) MaxUnlockAttempts() uint8 {
	return k.maxAttempts
}

// CreatePassword seals seed under password and unlocks the keystore. Any
// previously sealed seed is replaced.
func (k *Keystore) CreatePassword(ctx context.Context, password, seed []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	start := time.Now()
	err := k.createPassword(ctx, password, seed)
	metrics.ObserveOperation(metrics.OpCreatePassword, "", start, err)
	return err
}

func (k *Keystore) createPassword(ctx context.Context, password, seed []byte) error {
	switch len(seed) {
	case 16, 24, 32:
	default:
		return ErrInvalidSeed
	}

	if err := k.chip.InitNewPassword(ctx, password); err != nil {
		return fmt.Errorf("keystore: init new password: %w", err)
	}
	if err := k.sealAndStore(ctx, password, seed); err != nil {
		return err
	}
	if err := k.mem.ResetUnlockAttempts(); err != nil {
		return fmt.Errorf("keystore: %w", err)
	}

	k.retain(seed)
	k.log.Info("keystore: password created", logging.Int("seed_len", len(seed)))
	return nil
}

// sealAndStore stretches password, seals seed and verifies the result
// opens before it replaces the stored blob.
func (k *Keystore) sealAndStore(ctx context.Context, password, seed []byte) error {
	stretched := secret.New()
	defer stretched.Destroy()
	if err := k.chip.StretchPassword(ctx, password, stretched); err != nil {
		return fmt.Errorf("keystore: stretch: %w", err)
	}

	sealed, err := k.cipher.Encrypt(seed, stretched)
	if err != nil {
		return fmt.Errorf("keystore: seal: %w", err)
	}

	check, err := k.cipher.Decrypt(sealed, stretched)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSeedMismatch, err)
	}
	defer check.Destroy()
	if subtle.ConstantTimeCompare(seed, check.Bytes()) != 1 {
		return ErrSeedMismatch
	}

	if err := k.mem.SetSeed(sealed); err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	return nil
}

// Unlock stretches password and opens the sealed seed. It returns the
// number of attempts left before the device is wiped.
func (k *Keystore) Unlock(ctx context.Context, password []byte) (uint8, error) {
	if err := k.throttle.Wait(ctx); err != nil {
		return 0, fmt.Errorf("keystore: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	start := time.Now()
	seed, remaining, err := k.open(ctx, password)
	metrics.ObserveOperation(metrics.OpUnlock, "", start, err)
	metrics.RecordUnlock(unlockResult(err))
	if err != nil {
		return remaining, err
	}
	k.replaceSeed(seed)
	return remaining, nil
}

// open verifies password and returns the plaintext seed. It owns the
// attempt counter: the attempt is recorded before the chip is used so a
// power cut cannot give a free guess.
func (k *Keystore) open(ctx context.Context, password []byte) (*secret.Buffer, uint8, error) {
	sealed, err := k.mem.Seed()
	if err != nil {
		if errors.Is(err, memory.ErrNoSeed) {
			return nil, 0, ErrNotInitialized
		}
		return nil, 0, fmt.Errorf("keystore: %w", err)
	}

	attempts, err := k.mem.UnlockAttempts()
	if err != nil {
		return nil, 0, fmt.Errorf("keystore: %w", err)
	}
	if attempts >= k.maxAttempts {
		return nil, 0, k.wipeAfterMaxAttempts(ctx)
	}

	attempts, err = k.mem.IncrementUnlockAttempts()
	if err != nil {
		return nil, 0, fmt.Errorf("keystore: %w", err)
	}
	remaining := k.maxAttempts - attempts

	stretched := secret.New()
	defer stretched.Destroy()
	if err := k.chip.StretchPassword(ctx, password, stretched); err != nil {
		return nil, remaining, fmt.Errorf("keystore: stretch: %w", err)
	}

	seed, err := k.cipher.Decrypt(sealed, stretched)
	if err != nil {
		if !errors.Is(err, cipher.ErrAuthentication) {
			return nil, remaining, fmt.Errorf("keystore: open seed: %w", err)
		}
		k.log.Warn("keystore: incorrect password", logging.Int("remaining", int(remaining)))
		if remaining == 0 {
			return nil, 0, k.wipeAfterMaxAttempts(ctx)
		}
		return nil, remaining, ErrIncorrectPassword
	}

	if err := k.mem.ResetUnlockAttempts(); err != nil {
		seed.Destroy()
		return nil, remaining, fmt.Errorf("keystore: %w", err)
	}
	return seed, k.maxAttempts, nil
}

func (k *Keystore) wipeAfterMaxAttempts(ctx context.Context) error {
	k.log.Error("keystore: maximum unlock attempts reached, wiping")
	if err := k.reset(ctx); err != nil {
		return errors.Join(ErrMaxAttemptsExceeded, err)
	}
	return ErrMaxAttemptsExceeded
}

// ChangePassword verifies old, then seals the seed under new.
func (k *Keystore) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	if err := k.throttle.Wait(ctx); err != nil {
		return fmt.Errorf("keystore: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	start := time.Now()
	err := k.changePassword(ctx, oldPassword, newPassword)
	metrics.ObserveOperation(metrics.OpChangePassword, "", start, err)
	return err
}

func (k *Keystore) changePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	seed, _, err := k.open(ctx, oldPassword)
	if err != nil {
		return err
	}
	defer seed.Destroy()
	return k.createPassword(ctx, newPassword, seed.Bytes())
}

// Rotate verifies password, replaces the chip roll key and re-seals the
// seed, so every secret stretched before the call is useless.
func (k *Keystore) Rotate(ctx context.Context, password []byte) error {
	if err := k.throttle.Wait(ctx); err != nil {
		return fmt.Errorf("keystore: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	start := time.Now()
	err := k.rotate(ctx, password)
	metrics.ObserveOperation(metrics.OpRotate, "", start, err)
	return err
}

func (k *Keystore) rotate(ctx context.Context, password []byte) error {
	seed, _, err := k.open(ctx, password)
	if err != nil {
		return err
	}
	defer seed.Destroy()

	if err := k.chip.ResetKeys(ctx); err != nil {
		return fmt.Errorf("keystore: reset keys: %w", err)
	}
	// The old blob is unreadable from here on; a failure below leaves the
	// device needing a restore from backup.
	if err := k.sealAndStore(ctx, password, seed.Bytes()); err != nil {
		k.log.Error("keystore: re-seal after rotation failed", logging.String("class", securechip.ErrorClass(err)))
		return err
	}
	k.retain(seed.Bytes())
	k.log.Info("keystore: keys rotated")
	return nil
}

// Reset makes the sealed seed permanently unreadable and erases it.
func (k *Keystore) Reset(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	start := time.Now()
	err := k.reset(ctx)
	metrics.ObserveOperation(metrics.OpReset, "", start, err)
	return err
}

func (k *Keystore) reset(ctx context.Context) error {
	k.lock()
	chipErr := k.chip.ResetKeys(ctx)
	if chipErr != nil {
		k.log.Error("keystore: chip key reset failed", logging.String("class", securechip.ErrorClass(chipErr)))
	}
	if err := k.mem.Wipe(); err != nil {
		return errors.Join(chipErr, fmt.Errorf("keystore: %w", err))
	}
	if chipErr != nil {
		return fmt.Errorf("keystore: reset keys: %w", chipErr)
	}
	k.log.Warn("keystore: device reset")
	return nil
}

// Lock forgets the unlocked seed.
func (k *Keystore) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lock()
}

// IsLocked reports whether the seed is unavailable.
func (k *Keystore) IsLocked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.seed == nil
}

// Seed returns a copy of the unlocked seed. The caller must destroy it.
func (k *Keystore) Seed() (*secret.Buffer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seed == nil {
		return nil, ErrLocked
	}
	return secret.BufferFrom(k.seed.Bytes()), nil
}

func (k *Keystore) retain(seed []byte) {
	k.replaceSeed(secret.BufferFrom(seed))
}

func (k *Keystore) replaceSeed(seed *secret.Buffer) {
	k.lock()
	k.seed = seed
}

func (k *Keystore) lock() {
	if k.seed != nil {
		k.seed.Destroy()
		k.seed = nil
	}
}

func unlockResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrIncorrectPassword):
		return "incorrect"
	case errors.Is(err, ErrMaxAttemptsExceeded), errors.Is(err, securechip.ErrCounterExhausted):
		return "exhausted"
	default:
		return "error"
	}
}
