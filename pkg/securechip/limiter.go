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

	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/metrics"
)

// LimiterState is the state of an attempt limiter.
type LimiterState int

const (
	// LimiterAvailable means increments may still be consumed.
	LimiterAvailable LimiterState = iota
	// LimiterExhausted is terminal until Rearm.
	LimiterExhausted
)

func (s LimiterState) String() string {
	if s == LimiterExhausted {
		return "exhausted"
	}
	return "available"
}

// Limiter bounds the number of password stretch attempts with the chip's
// monotonic counter. Once the counter reports exhaustion the limiter latches
// and later calls fail without touching the chip.
//
// Limiter is not safe for concurrent use; Chip holds its lock around every
// call.
type Limiter struct {
	drv   Driver
	model Model
	log   logging.Logger
	state LimiterState
}

// NewLimiter returns a limiter over drv's counter.
func NewLimiter(drv Driver, model Model, log logging.Logger) *Limiter {
	if log == nil {
		log = logging.NoOp()
	}
	return &Limiter{drv: drv, model: model, log: log}
}

// State returns the current limiter state.
func (l *Limiter) State() LimiterState {
	return l.state
}

// Consume irreversibly spends one increment and returns how many remain.
func (l *Limiter) Consume(ctx context.Context) (uint32, error) {
	if l.state == LimiterExhausted {
		return 0, ErrCounterExhausted
	}
	remaining, err := l.drv.CounterIncrement(ctx)
	if err != nil {
		if errors.Is(err, ErrCounterExhausted) {
			l.exhaust()
		}
		return 0, err
	}
	metrics.SetCounterRemaining(l.model.String(), remaining)
	if remaining == 0 {
		l.log.Warn("securechip: last counter increment consumed",
			logging.String("model", l.model.String()))
	}
	return remaining, nil
}

// Remaining queries the chip without consuming an increment.
func (l *Limiter) Remaining(ctx context.Context) (uint32, error) {
	remaining, err := l.drv.CounterRemaining(ctx)
	if err != nil {
		return 0, err
	}
	metrics.SetCounterRemaining(l.model.String(), remaining)
	return remaining, nil
}

// Rearm returns the limiter to LimiterAvailable. Only call it after the
// driver restored the counter budget.
func (l *Limiter) Rearm() {
	if l.state == LimiterExhausted {
		l.log.Info("securechip: attempt limiter rearmed",
			logging.String("model", l.model.String()))
	}
	l.state = LimiterAvailable
}

func (l *Limiter) exhaust() {
	if l.state != LimiterExhausted {
		l.log.Error("securechip: monotonic counter exhausted",
			logging.String("model", l.model.String()))
	}
	l.state = LimiterExhausted
	metrics.SetCounterRemaining(l.model.String(), 0)
}
