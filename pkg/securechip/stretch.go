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
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/metrics"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
)

const (
	stretchLocalLabel   = "securechip/stretch/local"
	stretchCombineLabel = "securechip/stretch/v1"
)

// StretchPassword turns password into the 32-byte stretched secret in out.
//
// Every call consumes one monotonic counter increment before the chip is
// asked for anything, so brute forcing is bounded by the counter budget even
// when the caller never learns whether the password was right. The result
// depends on the password, both chip slots and the flash-resident keys; a
// wrong password simply yields a different secret.
//
// out is zeroized on failure.
func (c *Chip) StretchPassword(ctx context.Context, password []byte, out *secret.Key) error {
	if len(password) == 0 {
		return fmt.Errorf("%w: empty password", ErrInvalidArgument)
	}
	if out == nil {
		return fmt.Errorf("%w: nil output key", ErrInvalidArgument)
	}
	err := c.run(ctx, metrics.OpStretch, func() error {
		return c.stretch(ctx, password, out)
	})
	if err != nil {
		out.Destroy()
	}
	return err
}

func (c *Chip) stretch(ctx context.Context, password []byte, out *secret.Key) error {
	remaining, err := c.limiter.Consume(ctx)
	if err != nil {
		return err
	}
	c.log.Debug("securechip: stretching password", logging.Uint32("remaining", remaining))

	local := secret.New()
	defer local.Destroy()
	if err := c.localValue(local); err != nil {
		return err
	}

	// Salt the password with the device-local value before it crosses the
	// chip bus.
	msg := secret.New()
	defer msg.Destroy()
	mac := hmac.New(sha256.New, local.Bytes())
	mac.Write(password)
	mac.Sum(msg.Bytes()[:0])

	k1 := secret.New()
	defer k1.Destroy()
	if err := c.drv.KDF(ctx, SlotKDF, msg.Bytes(), k1); err != nil {
		return err
	}

	k2 := secret.New()
	defer k2.Destroy()
	if err := c.drv.KDF(ctx, SlotRollKey, msg.Bytes(), k2); err != nil {
		return err
	}

	mac = hmac.New(sha256.New, local.Bytes())
	mac.Write([]byte(stretchCombineLabel))
	mac.Write(k1.Bytes())
	mac.Write(k2.Bytes())
	mac.Sum(out.Bytes()[:0])
	return nil
}

// localValue derives the device-local stretching key from the auth key and
// the I/O protection key held in flash.
func (c *Chip) localValue(out *secret.Key) error {
	authKey := secret.New()
	defer authKey.Destroy()
	if err := c.keys.AuthKey(authKey); err != nil {
		return fmt.Errorf("securechip: reading auth key: %w", err)
	}

	ioKey := secret.New()
	defer ioKey.Destroy()
	if err := c.keys.IOProtectionKey(ioKey); err != nil {
		return fmt.Errorf("securechip: reading io protection key: %w", err)
	}

	mac := hmac.New(sha256.New, authKey.Bytes())
	mac.Write([]byte(stretchLocalLabel))
	mac.Write(ioKey.Bytes())
	mac.Sum(out.Bytes()[:0])
	return nil
}
