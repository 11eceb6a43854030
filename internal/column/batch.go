package column

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

type unset struct{}

// Unset marks a cell that the caller did not supply. It differs from nil:
// an overwrite leaves Unset cells untouched but stores nil cells as null.
var Unset interface{} = unset{}

// IsUnset reports whether v is the Unset marker.
func IsUnset(v interface{}) bool {
	_, ok := v.(unset)
	return ok
}

// Batch is a column-oriented update payload prior to coercion. Columns[i]
// holds the raw values of Names[i]; every column has the same length.
type Batch struct {
	Names   []string
	Columns [][]interface{}
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	if b == nil || len(b.Columns) == 0 {
		return 0
	}
	return len(b.Columns[0])
}

// Index returns the position of a column in the batch, or -1.
func (b *Batch) Index(name string) int {
	for i, n := range b.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// FromColumns builds a batch from parallel name and value slices.
func FromColumns(names []string, columns [][]interface{}) (*Batch, error) {
	if len(names) != len(columns) {
		return nil, fmt.Errorf("got %d column names for %d columns", len(names), len(columns))
	}
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = true
		if len(columns[i]) != len(columns[0]) {
			return nil, fmt.Errorf("column %q has %d values, expected %d", name, len(columns[i]), len(columns[0]))
		}
	}
	return &Batch{Names: names, Columns: columns}, nil
}

// FromMap builds a batch from an object of arrays. Go maps are unordered so
// columns are sorted by name.
func FromMap(data map[string][]interface{}) (*Batch, error) {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)
	cols := make([][]interface{}, len(names))
	for i, name := range names {
		cols[i] = data[name]
	}
	return FromColumns(names, cols)
}

// FromRecords builds a batch from an array of objects. A key absent from a
// record yields an Unset cell; an explicit null yields nil.
func FromRecords(records []map[string]interface{}) *Batch {
	b := &Batch{}
	for r, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.addRecord(r, keys, rec)
	}
	return b
}

func (b *Batch) addRecord(r int, keys []string, rec map[string]interface{}) {
	for _, k := range keys {
		if b.Index(k) < 0 {
			col := make([]interface{}, r, r+1)
			for i := range col {
				col[i] = Unset
			}
			b.Names = append(b.Names, k)
			b.Columns = append(b.Columns, col)
		}
	}
	for i, name := range b.Names {
		v, ok := rec[name]
		if !ok {
			v = Unset
		}
		b.Columns[i] = append(b.Columns[i], v)
	}
}

// DecodeJSON parses either an array of objects or an object of arrays,
// keeping column order as it appears in the document. Numbers decode as
// json.Number so integer columns keep full precision.
func DecodeJSON(data []byte) (*Batch, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch tok {
	case json.Delim('['):
		b := &Batch{}
		for r := 0; dec.More(); r++ {
			keys, rec, err := decodeObject(dec)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", r, err)
			}
			b.addRecord(r, keys, rec)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return b, nil
	case json.Delim('{'):
		var names []string
		var cols [][]interface{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, _ := keyTok.(string)
			var values []interface{}
			if err := dec.Decode(&values); err != nil {
				return nil, fmt.Errorf("column %q: %w", name, err)
			}
			names = append(names, name)
			cols = append(cols, values)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return FromColumns(names, cols)
	}
	return nil, fmt.Errorf("payload must be an array of rows or an object of columns")
}

func decodeObject(dec *json.Decoder) ([]string, map[string]interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if tok != json.Delim('{') {
		return nil, nil, fmt.Errorf("expected an object")
	}
	var keys []string
	rec := make(map[string]interface{})
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := keyTok.(string)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("column %q: %w", key, err)
		}
		if _, dup := rec[key]; !dup {
			keys = append(keys, key)
		}
		rec[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, rec, nil
}
