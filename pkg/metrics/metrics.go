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

// Package metrics provides Prometheus instrumentation for go-securechip.
// It exposes operation counters and latency histograms for chip primitives,
// the remaining monotonic counter budget, and keystore unlock outcomes.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all securechip metrics
	Namespace = "securechip"

	// Label names
	LabelOperation = "operation"
	LabelModel     = "model"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelResult    = "result"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpSetup           = "setup"
	OpKDF             = "kdf"
	OpKDFRollKey      = "kdf_rollkey"
	OpInitPassword    = "init_password"
	OpStretch         = "stretch"
	OpResetKeys       = "reset_keys"
	OpGenAttestation  = "gen_attestation"
	OpAttestationSign = "attestation_sign"
	OpCounterRemain   = "counter_remaining"
	OpRandom          = "random"
	OpModel           = "model"
	OpU2FSet          = "u2f_set"
	OpU2FInc          = "u2f_inc"
	OpUnlock          = "unlock"
	OpCreatePassword  = "create_password"
	OpChangePassword  = "change_password"
	OpRotate          = "rotate"
	OpReset           = "reset"
)

var (
	// OperationsTotal tracks chip and keystore operations by type, chip model and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of securechip operations by type, model, and status",
		},
		[]string{LabelOperation, LabelModel, LabelStatus},
	)

	// OperationDuration tracks operation latency. Chip bus round trips and
	// TPM commands dominate, so the buckets start at a millisecond.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of securechip operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelOperation, LabelModel},
	)

	// ErrorsTotal tracks errors by operation, model and error class
	// (e.g. "chip_io", "counter_exhausted", "authentication").
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, model, and error type",
		},
		[]string{LabelOperation, LabelModel, LabelErrorType},
	)

	// CounterRemaining is the number of monotonic counter increments left
	// before stretching is permanently refused.
	CounterRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "counter",
			Name:      "remaining",
			Help:      "Remaining monotonic counter increments",
		},
		[]string{LabelModel},
	)

	// UnlockAttemptsTotal tracks keystore unlock attempts by result
	// ("success", "incorrect", "exhausted", "error").
	UnlockAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "keystore",
			Name:      "unlock_attempts_total",
			Help:      "Total number of unlock attempts by result",
		},
		[]string{LabelResult},
	)

	// ChipInfo is set to 1 for the model bound at setup.
	ChipInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "chip_info",
			Help:      "Bound secure chip model",
		},
		[]string{LabelModel},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records an operation with its duration and status.
//
// Example:
//
//	start := time.Now()
//	err := drv.KDF(ctx, slot, msg, out)
//	metrics.RecordOperation(metrics.OpKDF, model, metrics.Status(err), time.Since(start).Seconds())
func RecordOperation(operation, model, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, model, status).Inc()
	OperationDuration.WithLabelValues(operation, model).Observe(duration)
}

// ObserveOperation records an operation that started at start and finished
// with err.
func ObserveOperation(operation, model string, start time.Time, err error) {
	RecordOperation(operation, model, Status(err), time.Since(start).Seconds())
}

// RecordError records an error event with its class.
func RecordError(operation, model, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, model, errorType).Inc()
}

// SetCounterRemaining sets the remaining counter budget for a model.
func SetCounterRemaining(model string, remaining uint32) {
	if !enabled.Load() {
		return
	}
	CounterRemaining.WithLabelValues(model).Set(float64(remaining))
}

// RecordUnlock records the outcome of a keystore unlock attempt.
func RecordUnlock(result string) {
	if !enabled.Load() {
		return
	}
	UnlockAttemptsTotal.WithLabelValues(result).Inc()
}

// SetChipInfo marks model as the bound chip.
func SetChipInfo(model string) {
	if !enabled.Load() {
		return
	}
	ChipInfo.Reset()
	ChipInfo.WithLabelValues(model).Set(1)
}

// Status maps an error to StatusSuccess or StatusError.
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
