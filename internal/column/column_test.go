package column

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamview/streamview/pkg/types"
)

func testSchema() types.Schema {
	return types.NewSchema("name", types.TypeString, "value", types.TypeFloat, "n", types.TypeInteger)
}

func TestStore_AppendAndGet(t *testing.T) {
	s := NewStore(testSchema())
	s.Append([][]interface{}{
		{"a", 1.5, int64(1)},
		{"b", nil, Unset},
	})

	require.Equal(t, 2, s.Len())
	for _, c := range s.Columns() {
		assert.Equal(t, 2, c.Len())
	}
	assert.Equal(t, []interface{}{"a", 1.5, int64(1)}, s.Row(0))
	assert.Equal(t, []interface{}{"b", nil, nil}, s.Row(1))

	value, ok := s.Column("value")
	require.True(t, ok)
	assert.True(t, value.IsNull(1))
	assert.Equal(t, 1, value.NullCount())
}

func TestStore_WriteReportsChanges(t *testing.T) {
	s := NewStore(testSchema())
	s.Append([][]interface{}{{"a", 1.0, int64(1)}})

	changes := s.Write(0, []interface{}{Unset, 2.0, int64(1)})
	require.Len(t, changes, 1)
	assert.Equal(t, CellChange{Column: 1, Old: 1.0, New: 2.0}, changes[0])
	assert.Equal(t, []interface{}{"a", 2.0, int64(1)}, s.Row(0))

	changes = s.Write(0, []interface{}{nil, Unset, Unset})
	require.Len(t, changes, 1)
	assert.Nil(t, s.Value(0, 0))
}

func TestStore_DeleteRowsCompacts(t *testing.T) {
	s := NewStore(testSchema())
	for i := 0; i < 6; i++ {
		var v interface{} = float64(i)
		if i%2 == 0 {
			v = nil
		}
		s.Append([][]interface{}{{string(rune('a' + i)), v, int64(i)}})
	}

	s.DeleteRows([]int{4, 0, 2, 4, 99})

	require.Equal(t, 3, s.Len())
	names, _ := s.Column("name")
	assert.Equal(t, "b", names.Get(0))
	assert.Equal(t, "d", names.Get(1))
	assert.Equal(t, "f", names.Get(2))
	values, _ := s.Column("value")
	assert.Equal(t, 0, values.NullCount())
	assert.Equal(t, 5.0, values.Get(2))
}

func TestEqual(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, 0.0))
	assert.True(t, Equal(t1, t1.In(time.FixedZone("x", 3600))))
	assert.False(t, Equal(int64(1), 1.0))
}

func TestFromRecords_UnsetForMissingKeys(t *testing.T) {
	b := FromRecords([]map[string]interface{}{
		{"name": "a"},
		{"name": "b", "value": nil},
	})
	require.Equal(t, 2, b.Len())
	vi := b.Index("value")
	require.GreaterOrEqual(t, vi, 0)
	assert.True(t, IsUnset(b.Columns[vi][0]))
	assert.Nil(t, b.Columns[vi][1])
}

func TestFromColumns_RejectsRaggedInput(t *testing.T) {
	_, err := FromColumns([]string{"a", "b"}, [][]interface{}{{1}, {1, 2}})
	assert.Error(t, err)

	_, err = FromColumns([]string{"a", "a"}, [][]interface{}{{1}, {2}})
	assert.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	b, err := DecodeJSON([]byte(`[{"z":1,"a":"x"},{"a":"y","m":true}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, b.Names)
	assert.Equal(t, json.Number("1"), b.Columns[0][0])
	assert.True(t, IsUnset(b.Columns[0][1]))
	assert.True(t, IsUnset(b.Columns[2][0]))

	b, err = DecodeJSON([]byte(`{"value":[1.5,2],"name":["a","b"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"value", "name"}, b.Names)
	assert.Equal(t, 2, b.Len())

	_, err = DecodeJSON([]byte(`"nope"`))
	assert.Error(t, err)
	_, err = DecodeJSON([]byte(`{"a":[1],"b":[1,2]}`))
	assert.Error(t, err)
}
