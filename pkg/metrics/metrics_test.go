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

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsEnabled(t *testing.T) {
	assert.True(t, IsEnabled(), "metrics are enabled by default")

	Disable()
	assert.False(t, IsEnabled())

	Enable()
	assert.True(t, IsEnabled())
}

func TestRecordOperation(t *testing.T) {
	Enable()
	OperationsTotal.Reset()
	OperationDuration.Reset()

	RecordOperation(OpKDF, "ATECC608B", StatusSuccess, 0.01)
	assert.Equal(t, 1, testutil.CollectAndCount(OperationsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(OperationDuration))

	RecordOperation(OpKDF, "ATECC608B", StatusError, 0.02)
	assert.Equal(t, 2, testutil.CollectAndCount(OperationsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(OperationDuration), "duration is not split by status")

	assert.Equal(t, float64(1),
		testutil.ToFloat64(OperationsTotal.WithLabelValues(OpKDF, "ATECC608B", StatusError)))
}

func TestObserveOperation(t *testing.T) {
	Enable()
	OperationsTotal.Reset()

	ObserveOperation(OpStretch, "TPM2", time.Now(), errors.New("boom"))
	ObserveOperation(OpStretch, "TPM2", time.Now(), nil)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(OperationsTotal.WithLabelValues(OpStretch, "TPM2", StatusError)))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(OperationsTotal.WithLabelValues(OpStretch, "TPM2", StatusSuccess)))
}

func TestRecordWhenDisabled(t *testing.T) {
	Disable()
	defer Enable()

	OperationsTotal.Reset()
	ErrorsTotal.Reset()
	CounterRemaining.Reset()
	UnlockAttemptsTotal.Reset()

	RecordOperation(OpKDF, "ATECC608B", StatusSuccess, 0.5)
	RecordError(OpKDF, "ATECC608B", "chip_io")
	SetCounterRemaining("ATECC608B", 10)
	RecordUnlock("success")

	assert.Zero(t, testutil.CollectAndCount(OperationsTotal))
	assert.Zero(t, testutil.CollectAndCount(ErrorsTotal))
	assert.Zero(t, testutil.CollectAndCount(CounterRemaining))
	assert.Zero(t, testutil.CollectAndCount(UnlockAttemptsTotal))
}

func TestGauges(t *testing.T) {
	Enable()
	CounterRemaining.Reset()

	SetCounterRemaining("OptigaTrustMV3", 600)
	SetCounterRemaining("OptigaTrustMV3", 599)
	assert.Equal(t, float64(599), testutil.ToFloat64(CounterRemaining.WithLabelValues("OptigaTrustMV3")))

	SetChipInfo("ATECC608A")
	SetChipInfo("TPM2")
	assert.Equal(t, 1, testutil.CollectAndCount(ChipInfo), "only the last bound model is reported")
}

func TestRecordUnlock(t *testing.T) {
	Enable()
	UnlockAttemptsTotal.Reset()

	RecordUnlock("incorrect")
	RecordUnlock("incorrect")
	RecordUnlock("success")

	assert.Equal(t, float64(2), testutil.ToFloat64(UnlockAttemptsTotal.WithLabelValues("incorrect")))
	assert.Equal(t, 2, testutil.CollectAndCount(UnlockAttemptsTotal))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusSuccess, Status(nil))
	assert.Equal(t, StatusError, Status(errors.New("x")))
}
