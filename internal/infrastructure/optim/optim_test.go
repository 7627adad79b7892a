package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

func newParam(name string, values, grads []float64) *continual.Param {
	return &continual.Param{Name: name, Value: values, Grad: grads, HasGrad: true}
}

func TestLinearWarmupCurve(t *testing.T) {
	s := NewLinearWarmup(1.0, 2, 6)

	var got []float64
	for i := 0; i < 8; i++ {
		got = append(got, s.LR())
		s.Step()
	}
	want := []float64{0, 0.5, 1, 0.75, 0.5, 0.25, 0, 0}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "step %d", i)
	}

	restored := NewLinearWarmup(0.1, 2, 6)
	restored.Load(s.State())
	assert.Equal(t, s.LR(), restored.LR())
}

func TestAdamWStateRoundTripContinuesIdentically(t *testing.T) {
	a := NewAdamW(DefaultAdamWConfig())
	pa := newParam("w", []float64{1, -2}, []float64{0.5, -0.25})
	a.Step([]*continual.Param{pa}, 0.1)

	b := NewAdamW(DefaultAdamWConfig())
	require.NoError(t, b.Load(a.State()))
	pb := newParam("w", append([]float64(nil), pa.Value...), []float64{0.5, -0.25})

	a.Step([]*continual.Param{pa}, 0.1)
	b.Step([]*continual.Param{pb}, 0.1)

	assert.Equal(t, pa.Value, pb.Value)
	assert.Equal(t, 2, b.Steps())
}

func TestAdamWSkipsParamsWithoutGrad(t *testing.T) {
	o := NewAdamW(DefaultAdamWConfig())
	p := &continual.Param{Name: "head", Value: []float64{3}, Grad: []float64{1}}
	o.Step([]*continual.Param{p}, 0.1)
	assert.Equal(t, []float64{3}, p.Value)
}

func TestAdamWLoadRejectsMismatchedMoments(t *testing.T) {
	o := NewAdamW(DefaultAdamWConfig())
	err := o.Load(continual.OptimizerState{
		Step: 1,
		M:    map[string][]float64{"w": {1, 2}},
		V:    map[string][]float64{"w": {1}},
	})
	assert.Error(t, err)
}

func TestGradScalerSkipsOverflowAndBacksOff(t *testing.T) {
	cfg := DefaultScalerConfig()
	cfg.GrowthInterval = 2
	s := NewGradScaler(cfg)
	o := NewAdamW(DefaultAdamWConfig())

	p := newParam("w", []float64{1}, []float64{math.Inf(1)})
	assert.False(t, s.Step(o, []*continual.Param{p}, 0.1))
	s.Update()
	assert.Equal(t, cfg.InitScale/2, s.Scale())
	assert.Equal(t, 1, s.ConsecutiveSkips())
	assert.Equal(t, []float64{1}, p.Value)

	for i := 0; i < 2; i++ {
		p.Grad[0] = s.Scale()
		assert.True(t, s.Step(o, []*continual.Param{p}, 0.1))
		s.Update()
	}
	assert.Equal(t, cfg.InitScale, s.Scale(), "two clean steps grow the scale back")
	assert.Zero(t, s.ConsecutiveSkips())

	restored := NewGradScaler(cfg)
	restored.Load(s.State())
	assert.Equal(t, s.State(), restored.State())
}

func TestGradScalerUnscalesGradients(t *testing.T) {
	s := NewGradScaler(DefaultScalerConfig())
	p := newParam("w", []float64{0}, []float64{s.Scale() * 0.5})
	s.Step(NewAdamW(DefaultAdamWConfig()), []*continual.Param{p}, 0)
	assert.Equal(t, 0.5, p.Grad[0])
}

func TestDisabledScalerIsIdentity(t *testing.T) {
	s := NewGradScaler(ScalerConfig{})
	assert.Equal(t, 1.0, s.Scale())
	p := newParam("w", []float64{0}, []float64{2})
	assert.True(t, s.Step(NewAdamW(DefaultAdamWConfig()), []*continual.Param{p}, 0))
	assert.Equal(t, 2.0, p.Grad[0])
}

func TestAutocastHalfPrecision(t *testing.T) {
	assert.Equal(t, 1.0, Autocast(1.0))
	assert.Equal(t, -0.5, Autocast(-0.5))
	assert.True(t, math.IsInf(Autocast(1e6), 1))
	assert.Equal(t, 0.0, Autocast(1e-9))
	assert.InDelta(t, 0.1, Autocast(0.1), 1e-3)
	assert.True(t, math.IsNaN(Autocast(math.NaN())))
}
