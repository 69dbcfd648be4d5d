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

	"github.com/jeremyhahn/go-securechip/pkg/logging"
)

// Opener opens one candidate driver.
type Opener struct {
	Name string
	Open func(ctx context.Context) (Driver, error)
}

// Detect tries each opener in order and returns the first driver whose
// Model query succeeds with a known model. Drivers that fail the probe are
// closed. The returned error joins every probe failure.
func Detect(ctx context.Context, log logging.Logger, openers ...Opener) (Driver, Model, error) {
	if log == nil {
		log = logging.NoOp()
	}

	var errs []error
	for _, o := range openers {
		if err := ctx.Err(); err != nil {
			return nil, ModelUnknown, err
		}

		drv, err := o.Open(ctx)
		if err != nil {
			log.Debug("securechip: driver unavailable",
				logging.String("driver", o.Name), logging.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", o.Name, err))
			continue
		}

		model, err := drv.Model(ctx)
		if err == nil && model == ModelUnknown {
			err = fmt.Errorf("%w: unknown model", ErrChipIO)
		}
		if err != nil {
			_ = drv.Close()
			log.Debug("securechip: driver probe failed",
				logging.String("driver", o.Name), logging.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", o.Name, err))
			continue
		}

		log.Info("securechip: chip detected",
			logging.String("driver", o.Name),
			logging.String("model", model.String()))
		return drv, model, nil
	}

	return nil, ModelUnknown, errors.Join(append([]error{ErrNoChip}, errs...)...)
}
