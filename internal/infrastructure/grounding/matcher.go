// Package grounding provides the reference grounding network: three linear
// heads over precomputed clip/query features predicting the response span
// and whether the queried object is present at all.
package grounding

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/optim"
)

const probEps = 1e-7

// MatcherConfig configures a Matcher.
type MatcherConfig struct {
	// FeatureDim is the length of Sample.Features.
	FeatureDim int `json:"featureDim"`

	// Seed seeds the weight initialization.
	Seed int64 `json:"seed"`

	// InitStd is the standard deviation of the initial weights.
	InitStd float64 `json:"initStd"`

	// Autocast rounds head activations through half precision.
	Autocast bool `json:"autocast"`
}

// Matcher is a span/presence regressor.
//
// The span heads only receive gradient from samples whose response is
// present in the clip, so a batch without such samples leaves them unused.
type Matcher struct {
	config MatcherConfig

	startW, startB *continual.Param
	endW, endB     *continual.Param
	presW, presB   *continual.Param
	params         []*continual.Param

	cache *forwardCache
}

type forwardCache struct {
	batch   continual.Batch
	s, e, p []float64
}

// NewMatcher creates a Matcher with seeded random weights.
func NewMatcher(config MatcherConfig) (*Matcher, error) {
	if config.FeatureDim <= 0 {
		return nil, fmt.Errorf("matcher: feature dim must be positive, got %d", config.FeatureDim)
	}
	if config.InitStd == 0 {
		config.InitStd = 0.01
	}
	rng := rand.New(rand.NewSource(config.Seed))
	weight := func(name string) *continual.Param {
		v := make([]float64, config.FeatureDim)
		for i := range v {
			v[i] = rng.NormFloat64() * config.InitStd
		}
		return &continual.Param{Name: name, Value: v, Grad: make([]float64, len(v))}
	}
	bias := func(name string) *continual.Param {
		return &continual.Param{Name: name, Value: []float64{0}, Grad: []float64{0}}
	}

	m := &Matcher{
		config: config,
		startW: weight("span.start.weight"),
		startB: bias("span.start.bias"),
		endW:   weight("span.end.weight"),
		endB:   bias("span.end.bias"),
		presW:  weight("presence.weight"),
		presB:  bias("presence.bias"),
	}
	m.params = []*continual.Param{m.startW, m.startB, m.endW, m.endB, m.presW, m.presB}
	return m, nil
}

// Params implements continual.Model.
func (m *Matcher) Params() []*continual.Param {
	return m.params
}

// Forward implements continual.Model.
func (m *Matcher) Forward(batch continual.Batch, train bool) (*continual.Output, error) {
	if len(batch) == 0 {
		return nil, errors.New("matcher: empty batch")
	}
	n := float64(len(batch))
	c := &forwardCache{
		batch: batch,
		s:     make([]float64, len(batch)),
		e:     make([]float64, len(batch)),
		p:     make([]float64, len(batch)),
	}
	out := &continual.Output{Predictions: make([]continual.Prediction, len(batch))}

	for i, smp := range batch {
		if len(smp.Features) != m.config.FeatureDim {
			return nil, fmt.Errorf("matcher: sample %s has %d features, want %d", smp.ID, len(smp.Features), m.config.FeatureDim)
		}
		s := sigmoid(m.head(m.startW, m.startB, smp.Features))
		e := sigmoid(m.head(m.endW, m.endB, smp.Features))
		p := sigmoid(m.head(m.presW, m.presB, smp.Features))
		c.s[i], c.e[i], c.p[i] = s, e, p

		var loss float64
		if smp.Present {
			loss += (s-smp.Start)*(s-smp.Start) + (e-smp.End)*(e-smp.End)
		}
		pc := math.Min(math.Max(p, probEps), 1-probEps)
		if smp.Present {
			loss -= math.Log(pc)
		} else {
			loss -= math.Log(1 - pc)
		}
		out.Loss += loss / n
		out.OutputNorm += math.Sqrt(s*s+e*e+p*p) / n
		out.Predictions[i] = continual.Prediction{Start: s, End: e, Prob: p}
	}

	if train {
		m.cache = c
	} else {
		m.cache = nil
	}
	return out, nil
}

func (m *Matcher) head(w, b *continual.Param, x []float64) float64 {
	z := b.Value[0]
	for i, xi := range x {
		z += w.Value[i] * xi
	}
	if m.config.Autocast {
		z = optim.Autocast(z)
	}
	return z
}

// Backward implements continual.Model.
func (m *Matcher) Backward(objective continual.Objective, scale float64) error {
	c := m.cache
	if c == nil {
		return errors.New("matcher: backward without a training forward pass")
	}
	n := float64(len(c.batch))

	for i, smp := range c.batch {
		s, e, p := c.s[i], c.e[i], c.p[i]
		var dzs, dze, dzp float64
		spanUsed := false

		switch objective {
		case continual.ObjectiveTask:
			if smp.Present {
				dzs = 2 * (s - smp.Start) * s * (1 - s)
				dze = 2 * (e - smp.End) * e * (1 - e)
				spanUsed = true
			}
			y := 0.0
			if smp.Present {
				y = 1
			}
			dzp = p - y
		case continual.ObjectiveOutputNorm:
			norm := math.Sqrt(s*s + e*e + p*p)
			if norm > 0 {
				dzs = s / norm * s * (1 - s)
				dze = e / norm * e * (1 - e)
				dzp = p / norm * p * (1 - p)
			}
			spanUsed = true
		default:
			return fmt.Errorf("matcher: unsupported objective %s", objective)
		}

		k := scale / n
		if spanUsed {
			accumulate(m.startW, m.startB, smp.Features, dzs*k)
			accumulate(m.endW, m.endB, smp.Features, dze*k)
		}
		accumulate(m.presW, m.presB, smp.Features, dzp*k)
	}
	return nil
}

func accumulate(w, b *continual.Param, x []float64, dz float64) {
	for i, xi := range x {
		w.Grad[i] += dz * xi
	}
	b.Grad[0] += dz
	w.HasGrad = true
	b.HasGrad = true
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
