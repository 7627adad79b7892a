package continual

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryBWFScenario(t *testing.T) {
	h := &History{}
	require.NoError(t, h.Record(0, []float64{0.8}))
	require.NoError(t, h.Record(1, []float64{0.7, 0.75}))
	require.NoError(t, h.Record(2, []float64{0.6, 0.65, 0.70}))

	bwf, ok := h.BWF(2)
	require.True(t, ok)
	assert.InDelta(t, -0.15, bwf, 1e-12)

	imm, ok := h.Immediate(1)
	require.True(t, ok)
	assert.Equal(t, 0.75, imm)
}

func TestHistoryBWFUndefinedForFirstTask(t *testing.T) {
	h := &History{}
	require.NoError(t, h.Record(0, []float64{0.5}))

	_, ok := h.BWF(0)
	assert.False(t, ok)

	var nilHistory *History
	_, ok = nilHistory.BWF(3)
	assert.False(t, ok)
}

func TestHistoryRecordRules(t *testing.T) {
	h := &History{}
	assert.Error(t, h.Record(1, []float64{0.1, 0.2}), "rows must not be skipped")
	assert.Error(t, h.Record(0, []float64{0.1, 0.2}), "row width must be task+1")

	require.NoError(t, h.Record(0, []float64{0.1}))
	require.NoError(t, h.Record(0, []float64{0.3}))
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 0.3, h.Rows[0][0])

	c := h.Clone()
	c.Rows[0][0] = 9
	assert.Equal(t, 0.3, h.Rows[0][0])
}

func TestMemorySizeParsing(t *testing.T) {
	var m MemorySize
	require.NoError(t, m.UnmarshalText([]byte("ALL")))
	assert.True(t, m.All)

	require.NoError(t, m.UnmarshalText([]byte("260")))
	assert.Equal(t, Samples(260), m)

	assert.Error(t, m.UnmarshalText([]byte("-1")))
	assert.Error(t, m.UnmarshalText([]byte("lots")))

	data, err := json.Marshal(struct {
		A MemorySize `json:"a"`
		B MemorySize `json:"b"`
	}{Unbounded(), Samples(5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"ALL","b":5}`, string(data))

	var back struct {
		A MemorySize `json:"a"`
		B MemorySize `json:"b"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.A.All)
	assert.Equal(t, 5, back.B.N)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("EWC")
	require.NoError(t, err)
	assert.Equal(t, MethodEWC, m)

	m, err = ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodNone, m)

	_, err = ParseMethod("si")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
