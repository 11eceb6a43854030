// Package types provides the core data types shared by streamview packages
// and its clients.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ColumnType is the declared type of a table column.
type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeInteger  ColumnType = "integer"
	TypeFloat    ColumnType = "float"
	TypeBoolean  ColumnType = "boolean"
	TypeDate     ColumnType = "date"
	TypeDatetime ColumnType = "datetime"
)

// ParseColumnType converts a type name to a ColumnType. A few common aliases
// ("str", "int", "double", "bool", "timestamp") are accepted.
func ParseColumnType(name string) (ColumnType, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string", "str", "text":
		return TypeString, true
	case "integer", "int", "int64":
		return TypeInteger, true
	case "float", "double", "float64", "number":
		return TypeFloat, true
	case "boolean", "bool":
		return TypeBoolean, true
	case "date":
		return TypeDate, true
	case "datetime", "timestamp", "time":
		return TypeDatetime, true
	}
	return "", false
}

// IsNumeric reports whether values of this type can be summed and averaged.
func (t ColumnType) IsNumeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// IsTemporal reports whether the type holds time.Time values.
func (t ColumnType) IsTemporal() bool {
	return t == TypeDate || t == TypeDatetime
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name" yaml:"name"`

	// Type is the declared column type
	Type ColumnType `json:"type" yaml:"type"`

	// Nullable indicates whether the column accepts nulls. Best-effort
	// coercion turns unparseable values into nulls only when this is set.
	Nullable bool `json:"nullable" yaml:"nullable"`
}

// Schema is the ordered set of columns of a table or view.
type Schema struct {
	Columns []ColumnDef `json:"columns" yaml:"columns"`
}

// NewSchema builds a schema of nullable columns from name/type pairs.
func NewSchema(pairs ...interface{}) Schema {
	var s Schema
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		var typ ColumnType
		switch v := pairs[i+1].(type) {
		case ColumnType:
			typ = v
		case string:
			typ = ColumnType(v)
		}
		s.Columns = append(s.Columns, ColumnDef{Name: name, Type: typ, Nullable: true})
	}
	return s
}

// Len returns the number of columns.
func (s Schema) Len() int { return len(s.Columns) }

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the column definition and its position.
func (s Schema) Lookup(name string) (ColumnDef, int, bool) {
	for i, c := range s.Columns {
		if c.Name == name {
			return c, i, true
		}
	}
	return ColumnDef{}, -1, false
}

// Has reports whether the schema contains the column.
func (s Schema) Has(name string) bool {
	_, _, ok := s.Lookup(name)
	return ok
}

// Validate checks for empty, duplicate or untyped columns.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("column name must not be empty")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		if _, ok := ParseColumnType(string(c.Type)); !ok {
			return fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
		}
	}
	return nil
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	cols := make([]ColumnDef, len(s.Columns))
	copy(cols, s.Columns)
	return Schema{Columns: cols}
}

// Equal reports whether two schemas have the same columns in the same order.
func (s Schema) Equal(o Schema) bool {
	if len(s.Columns) != len(o.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != o.Columns[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the schema as an ordered object: {"name": "type", ...}.
func (s Schema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range s.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(`"` + string(c.Type) + `"`)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts either the ordered object form {"name": "type"}
// (column order follows the document) or an array of column definitions.
func (s *Schema) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var cols []ColumnDef
		if err := json.Unmarshal(data, &cols); err != nil {
			return err
		}
		for i := range cols {
			t, ok := ParseColumnType(string(cols[i].Type))
			if !ok {
				return fmt.Errorf("column %q has unknown type %q", cols[i].Name, cols[i].Type)
			}
			cols[i].Type = t
		}
		s.Columns = cols
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("schema must be an object or an array")
	}
	var cols []ColumnDef
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := keyTok.(string)
		var typeName string
		if err := dec.Decode(&typeName); err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
		t, ok := ParseColumnType(typeName)
		if !ok {
			return fmt.Errorf("column %q has unknown type %q", name, typeName)
		}
		cols = append(cols, ColumnDef{Name: name, Type: t, Nullable: true})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	s.Columns = cols
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON: a mapping keeps document order.
func (s *Schema) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var cols []ColumnDef
		if err := node.Decode(&cols); err != nil {
			return err
		}
		for i := range cols {
			t, ok := ParseColumnType(string(cols[i].Type))
			if !ok {
				return fmt.Errorf("column %q has unknown type %q", cols[i].Name, cols[i].Type)
			}
			cols[i].Type = t
		}
		s.Columns = cols
		return nil
	case yaml.MappingNode:
		var cols []ColumnDef
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			t, ok := ParseColumnType(node.Content[i+1].Value)
			if !ok {
				return fmt.Errorf("column %q has unknown type %q", name, node.Content[i+1].Value)
			}
			cols = append(cols, ColumnDef{Name: name, Type: t, Nullable: true})
		}
		s.Columns = cols
		return nil
	}
	return fmt.Errorf("schema must be a mapping or a sequence")
}
