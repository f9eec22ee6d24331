package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazcod/zonesigner"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, nil))
	require.NoError(t, Register(reg, nil))
}

func TestRecorderCycleOutcomes(t *testing.T) {
	r := Recorder{}
	before := testutil.ToFloat64(CyclesTotal.WithLabelValues("applied"))
	bumps := testutil.ToFloat64(SerialBumpsTotal)

	r.CycleDone("example.com.", &zonesigner.Result{Changed: true, Signatures: 3}, nil, time.Millisecond)
	r.CycleDone("example.com.", &zonesigner.Result{}, nil, time.Millisecond)
	r.CycleDone("example.com.", nil, fmt.Errorf("wrapped: %w", zonesigner.ErrConflict), time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(CyclesTotal.WithLabelValues("applied")))
	assert.Equal(t, bumps+1, testutil.ToFloat64(SerialBumpsTotal))
	assert.GreaterOrEqual(t, testutil.ToFloat64(CyclesTotal.WithLabelValues("conflict")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(CyclesTotal.WithLabelValues("noop")), 1.0)
}

func TestRecorderZoneStatus(t *testing.T) {
	r := Recorder{}
	wake := time.Unix(1700000000, 0)
	r.ZoneStatus(zonesigner.Status{Zone: "example.org.", Stale: true, NextWake: wake})

	assert.Equal(t, 1.0, testutil.ToFloat64(ZoneStale.WithLabelValues("example.org.")))
	assert.Equal(t, float64(wake.Unix()), testutil.ToFloat64(NextWake.WithLabelValues("example.org.")))
}
