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

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-securechip/internal/config"
	"github.com/jeremyhahn/go-securechip/pkg/backend/emulated"
	"github.com/jeremyhahn/go-securechip/pkg/backend/pkcs11"
	"github.com/jeremyhahn/go-securechip/pkg/backend/tpm2"
	"github.com/jeremyhahn/go-securechip/pkg/crypto/rand"
	"github.com/jeremyhahn/go-securechip/pkg/keystore"
	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/memory"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
	"github.com/jeremyhahn/go-securechip/pkg/storage"
	"github.com/jeremyhahn/go-securechip/pkg/storage/file"
)

// device is a booted device: flash, entropy, secure chip and keystore.
type device struct {
	log      logging.Logger
	store    storage.Backend
	memory   *memory.Memory
	mixer    *rand.Mixer
	chip     *securechip.Chip
	keystore *keystore.Keystore
}

// openDevice boots the device in the order the chip requires: flash keys
// first, then the chip bound to them, then chip entropy and the keystore.
// A chip that fails setup halts the device.
func (a *app) openDevice(ctx context.Context) (*device, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := a.newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := file.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.printVerbose("Using storage at %s", cfg.Storage.Path)

	mixer := rand.NewMixer(rand.WithLogger(log))
	mem := memory.New(store, memory.WithLogger(log))
	if err := mem.Setup(); err != nil {
		_ = store.Close()
		return nil, err
	}
	deviceID, err := mem.DeviceID()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	mixer.MixIn(deviceID[:])

	drv, model, err := securechip.Detect(ctx, log, chipOpeners(cfg, store, log)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.printVerbose("Detected %s chip", model)

	chip := securechip.New(drv, securechip.WithLogger(log))
	halt := a.halt
	if halt == nil {
		halt = securechip.LogHalt(log)
	}
	var setupErr error
	securechip.MustSetup(ctx, chip, mem.KeySources(mixer.Local32), func(code int, err error) {
		setupErr = err
		halt(code, err)
	})
	if setupErr != nil {
		_ = chip.Close()
		_ = store.Close()
		return nil, setupErr
	}
	mixer.Attach(chip)

	ks := keystore.New(chip, mem, keystore.Config{
		MaxUnlockAttempts: uint8(cfg.Keystore.MaxUnlockAttempts),
		UnlockInterval:    cfg.Keystore.UnlockInterval,
		Logger:            log,
	})

	return &device{
		log:      log,
		store:    store,
		memory:   mem,
		mixer:    mixer,
		chip:     chip,
		keystore: ks,
	}, nil
}

// Close locks the keystore and releases the chip and storage.
func (d *device) Close() error {
	d.keystore.Lock()
	return errors.Join(d.chip.Close(), d.store.Close())
}

// chipOpeners returns the drivers to try for cfg.Chip.Driver, in probe
// order. Every driver persists its sealed state in store.
func chipOpeners(cfg *config.Config, store storage.Backend, log logging.Logger) []securechip.Opener {
	emulatedOpener := securechip.Opener{
		Name: config.DriverEmulated,
		Open: func(ctx context.Context) (securechip.Driver, error) {
			return emulated.New(emulated.Config{
				Model:         cfg.EmulatedModel(),
				CounterBudget: cfg.Chip.Emulated.CounterBudget,
				Storage:       store,
				Logger:        log,
			}), nil
		},
	}
	tpm2Opener := securechip.Opener{
		Name: config.DriverTPM2,
		Open: func(ctx context.Context) (securechip.Driver, error) {
			tcfg := cfg.Chip.TPM2
			tcfg.Storage = store
			tcfg.Logger = log
			drv, err := tpm2.Open(&tcfg)
			if err != nil {
				return nil, err
			}
			return drv, nil
		},
	}
	pkcs11Opener := securechip.Opener{
		Name: config.DriverPKCS11,
		Open: func(ctx context.Context) (securechip.Driver, error) {
			pcfg := cfg.Chip.PKCS11
			pcfg.Storage = store
			pcfg.Logger = log
			drv, err := pkcs11.Open(&pcfg)
			if err != nil {
				return nil, err
			}
			return drv, nil
		},
	}

	switch cfg.Chip.Driver {
	case config.DriverEmulated:
		return []securechip.Opener{emulatedOpener}
	case config.DriverTPM2:
		return []securechip.Opener{tpm2Opener}
	case config.DriverPKCS11:
		return []securechip.Opener{pkcs11Opener}
	default:
		openers := []securechip.Opener{tpm2Opener}
		if cfg.Chip.PKCS11.Library != "" {
			openers = append(openers, pkcs11Opener)
		}
		return append(openers, emulatedOpener)
	}
}
