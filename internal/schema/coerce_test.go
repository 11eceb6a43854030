package schema

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamview/streamview/pkg/types"
)

func TestCoerce_Numbers(t *testing.T) {
	c := Coercer{Mode: BestEffort}

	v, err := c.Coerce(float64(3), types.TypeInteger)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = c.Coerce(json.Number("42"), types.TypeInteger)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = c.Coerce("1,250.5", types.TypeFloat)
	require.NoError(t, err)
	assert.Equal(t, 1250.5, v)

	v, err = c.Coerce(int64(7), types.TypeFloat)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)

	_, err = c.Coerce("abc", types.TypeFloat)
	assert.Error(t, err)
}

func TestCoerce_IntegerOverflow(t *testing.T) {
	for _, mode := range []Mode{BestEffort, Strict} {
		c := Coercer{Mode: mode}
		for _, in := range []interface{}{1e19, -1e19, float64(1 << 63), json.Number("1e19"), math.NaN(), math.Inf(1)} {
			_, err := c.Coerce(in, types.TypeInteger)
			assert.Error(t, err, "%v", in)
		}
		_, err := c.Coerce(1e19, types.TypeDatetime)
		assert.Error(t, err)
		_, err = c.Coerce(json.Number("-1e300"), types.TypeDate)
		assert.Error(t, err)
	}

	v, err := Coercer{Mode: BestEffort}.Coerce("1e19", types.TypeInteger)
	assert.Error(t, err, "got %v", v)

	v, err = Coercer{Mode: Strict}.Coerce(float64(-(1 << 63)), types.TypeInteger)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), v)

	v, err = Coercer{Mode: BestEffort}.Coerce(json.Number("9.2e18"), types.TypeInteger)
	require.NoError(t, err)
	assert.Equal(t, int64(9200000000000000000), v)
}

func TestCoerce_StrictRejectsStrings(t *testing.T) {
	c := Coercer{Mode: Strict}

	_, err := c.Coerce("12", types.TypeInteger)
	assert.Error(t, err)

	_, err = c.Coerce(1.5, types.TypeInteger)
	assert.Error(t, err, "strict mode must not truncate fractions")

	_, err = c.Coerce("yes", types.TypeBoolean)
	assert.Error(t, err)

	v, err := c.Coerce("true", types.TypeBoolean)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestCoerce_Dates(t *testing.T) {
	best := Coercer{Mode: BestEffort}
	strict := Coercer{Mode: Strict}
	want := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	for _, in := range []string{"2024-03-09", "2024/03/09", "03/09/2024", "Mar 9 2024"} {
		v, err := best.Coerce(in, types.TypeDate)
		require.NoError(t, err, in)
		assert.Equal(t, want, v, in)
	}

	v, err := strict.Coerce("2024-03-09", types.TypeDate)
	require.NoError(t, err)
	assert.Equal(t, want, v)

	_, err = strict.Coerce("03/09/2024", types.TypeDate)
	assert.Error(t, err)

	// Dates truncate to midnight, datetimes keep the clock.
	v, err = best.Coerce("2024-03-09T10:30:00Z", types.TypeDate)
	require.NoError(t, err)
	assert.Equal(t, want, v)

	v, err = best.Coerce("2024-03-09 10:30:00", types.TypeDatetime)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC), v)

	ms := want.UnixMilli()
	v, err = strict.Coerce(float64(ms), types.TypeDatetime)
	require.NoError(t, err)
	assert.Equal(t, want, v)
}

func TestCoerce_Strings(t *testing.T) {
	c := Coercer{}
	v, err := c.Coerce(2.5, types.TypeString)
	require.NoError(t, err)
	assert.Equal(t, "2.5", v)

	v, err = c.Coerce(nil, types.TypeString)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("strict")
	require.NoError(t, err)
	assert.Equal(t, Strict, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, BestEffort, m)

	_, err = ParseMode("lenient")
	assert.Error(t, err)
}

func TestInferType(t *testing.T) {
	tests := []struct {
		name   string
		values []interface{}
		want   types.ColumnType
	}{
		{"empty", nil, types.TypeString},
		{"nulls", []interface{}{nil, nil}, types.TypeString},
		{"bools", []interface{}{true, false, nil}, types.TypeBoolean},
		{"whole floats", []interface{}{1.0, 2.0}, types.TypeInteger},
		{"fractional", []interface{}{1.0, 2.5}, types.TypeFloat},
		{"json ints", []interface{}{json.Number("1"), json.Number("2")}, types.TypeInteger},
		{"json floats", []interface{}{json.Number("1"), json.Number("2.5")}, types.TypeFloat},
		{"iso dates", []interface{}{"2024-01-01", "2024-02-01"}, types.TypeDate},
		{"datetimes", []interface{}{"2024-01-01 10:00:00", "2024-01-01"}, types.TypeDatetime},
		{"numeric strings stay strings", []interface{}{"123", "456"}, types.TypeString},
		{"words", []interface{}{"a", "b"}, types.TypeString},
		{"mixed", []interface{}{"a", 1.0}, types.TypeString},
		{"time values", []interface{}{time.Now()}, types.TypeDatetime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferType(tt.values))
		})
	}
}

func TestInfer(t *testing.T) {
	s := Infer([]string{"name", "value"}, [][]interface{}{{"a", "b"}, {1.5, 2.0}})
	require.Equal(t, 2, s.Len())
	assert.Equal(t, types.TypeString, s.Columns[0].Type)
	assert.Equal(t, types.TypeFloat, s.Columns[1].Type)
	assert.True(t, s.Columns[1].Nullable)
}
