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

package securechip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/metrics"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
)

// MaxKDFMessageSize is the longest message a KDF call accepts. It matches
// the HMAC message limit of the ATECC KDF command so every driver behaves
// the same.
const MaxKDFMessageSize = 127

// Chip implements SecureChip over a Driver. All methods are serialized by a
// mutex; a second caller blocks until the first returns.
type Chip struct {
	mu      sync.Mutex
	drv     Driver
	log     logging.Logger
	keys    KeySources
	model   Model
	caps    Capabilities
	limiter *Limiter
	ready   bool
}

// Option configures a Chip.
type Option func(*Chip)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Chip) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns a Chip over drv. Setup must be called before use.
func New(drv Driver, opts ...Option) *Chip {
	c := &Chip{drv: drv, log: logging.NoOp()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Setup binds keys and configures the chip. It must be called exactly once,
// after the storage holding the flash-resident keys is ready.
func (c *Chip) Setup(ctx context.Context, keys KeySources) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return ErrAlreadySetup
	}

	start := time.Now()
	err := c.setup(ctx, keys)
	metrics.ObserveOperation(metrics.OpSetup, c.model.String(), start, err)
	if err != nil {
		var setupErr *SetupError
		if errors.As(err, &setupErr) {
			c.log.Error("securechip: setup failed",
				logging.Int("code", setupErr.Code),
				logging.String("class", ErrorClass(setupErr.Err)))
		}
		return err
	}

	c.ready = true
	metrics.SetChipInfo(c.model.String())
	c.log.Info("securechip: setup complete",
		logging.String("model", c.model.String()),
		logging.Bool("hardware_counter", c.caps.HardwareCounter))
	return nil
}

func (c *Chip) setup(ctx context.Context, keys KeySources) error {
	if err := keys.Validate(); err != nil {
		return NewSetupError(SetupCodeKeySources, err)
	}
	if err := c.drv.Setup(ctx, keys); err != nil {
		var setupErr *SetupError
		if errors.As(err, &setupErr) {
			return setupErr
		}
		code := SetupCodeConfig
		if errors.Is(err, ErrChipIO) {
			code = SetupCodeChipIO
		}
		return NewSetupError(code, err)
	}

	model, err := c.drv.Model(ctx)
	if err != nil {
		return NewSetupError(SetupCodeChipIO, err)
	}
	c.keys = keys
	c.model = model
	c.caps = model.Capabilities()
	c.limiter = NewLimiter(c.drv, model, c.log)

	if _, err := c.limiter.Remaining(ctx); err != nil {
		return NewSetupError(SetupCodeCounter, err)
	}
	return nil
}

// run executes fn under the lock once the chip is set up, recording
// metrics for op.
func (c *Chip) run(ctx context.Context, op string, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return ErrNotSetup
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := fn()
	metrics.ObserveOperation(op, c.model.String(), start, err)
	if err != nil {
		class := ErrorClass(err)
		metrics.RecordError(op, c.model.String(), class)
		c.log.Debug("securechip: operation failed",
			logging.String("op", op),
			logging.String("class", class))
	}
	return err
}

// Capabilities returns the capabilities of the bound model. It is the zero
// value before Setup.
func (c *Chip) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// LimiterState reports whether stretching is still possible.
func (c *Chip) LimiterState() LimiterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiter == nil {
		return LimiterAvailable
	}
	return c.limiter.State()
}

// KDF derives out from msg with the fixed KDF slot key.
func (c *Chip) KDF(ctx context.Context, msg []byte, out *secret.Key) error {
	return c.run(ctx, metrics.OpKDF, func() error {
		return c.kdf(ctx, SlotKDF, msg, out)
	})
}

// KDFRollKey derives out from msg with the roll key.
func (c *Chip) KDFRollKey(ctx context.Context, msg []byte, out *secret.Key) error {
	return c.run(ctx, metrics.OpKDFRollKey, func() error {
		return c.kdf(ctx, SlotRollKey, msg, out)
	})
}

func (c *Chip) kdf(ctx context.Context, slot Slot, msg []byte, out *secret.Key) error {
	if out == nil {
		return fmt.Errorf("%w: nil output key", ErrInvalidArgument)
	}
	if len(msg) == 0 || len(msg) > MaxKDFMessageSize {
		return fmt.Errorf("%w: kdf message length %d", ErrInvalidArgument, len(msg))
	}
	if err := c.drv.KDF(ctx, slot, msg, out); err != nil {
		out.Destroy()
		return err
	}
	return nil
}

// InitNewPassword prepares the chip for a new password: the roll key is
// replaced, and on chips that support it the attempt budget is restored.
// It must precede the first StretchPassword for that password.
func (c *Chip) InitNewPassword(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return fmt.Errorf("%w: empty password", ErrInvalidArgument)
	}
	return c.run(ctx, metrics.OpInitPassword, func() error {
		return c.resetRollKey(ctx)
	})
}

// ResetKeys regenerates the roll key. Every secret stretched before the
// call becomes unreproducible.
func (c *Chip) ResetKeys(ctx context.Context) error {
	return c.run(ctx, metrics.OpResetKeys, func() error {
		return c.resetRollKey(ctx)
	})
}

func (c *Chip) resetRollKey(ctx context.Context) error {
	if err := c.drv.ResetRollKey(ctx); err != nil {
		return err
	}
	if c.caps.ResetReinitializesBudget {
		c.limiter.Rearm()
		if _, err := c.limiter.Remaining(ctx); err != nil {
			return err
		}
	}
	c.log.Info("securechip: roll key reset", logging.String("model", c.model.String()))
	return nil
}

// MonotonicIncrementsRemaining returns the remaining attempt budget.
func (c *Chip) MonotonicIncrementsRemaining(ctx context.Context) (uint32, error) {
	var remaining uint32
	err := c.run(ctx, metrics.OpCounterRemain, func() error {
		var err error
		remaining, err = c.limiter.Remaining(ctx)
		return err
	})
	return remaining, err
}

// Random fills out with chip entropy. Callers mix it with host entropy and
// never use it alone.
func (c *Chip) Random(ctx context.Context, out *[32]byte) error {
	if out == nil {
		return fmt.Errorf("%w: nil output", ErrInvalidArgument)
	}
	return c.run(ctx, metrics.OpRandom, func() error {
		if err := c.drv.Random(ctx, out); err != nil {
			secret.Zero(out[:])
			return err
		}
		return nil
	})
}

// Model queries the chip model.
func (c *Chip) Model(ctx context.Context) (Model, error) {
	model := ModelUnknown
	err := c.run(ctx, metrics.OpModel, func() error {
		var err error
		model, err = c.drv.Model(ctx)
		return err
	})
	return model, err
}

// U2FCounterSet sets the U2F counter. Not every chip supports it.
func (c *Chip) U2FCounterSet(ctx context.Context, value uint32) error {
	return c.run(ctx, metrics.OpU2FSet, func() error {
		if !c.caps.U2FCounterSet {
			return ErrNotSupported
		}
		return c.drv.U2FCounterSet(ctx, value)
	})
}

// U2FCounterInc increments the U2F counter and returns the new value.
func (c *Chip) U2FCounterInc(ctx context.Context) (uint32, error) {
	var value uint32
	err := c.run(ctx, metrics.OpU2FInc, func() error {
		var err error
		value, err = c.drv.U2FCounterInc(ctx)
		return err
	})
	return value, err
}

// Close releases the driver.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	return c.drv.Close()
}
