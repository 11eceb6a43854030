package view

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/streamview/streamview/internal/errors"
)

// Config defines a view over a table.
type Config struct {
	// GroupBy lists the row pivots, outermost first.
	GroupBy []string `json:"group_by,omitempty" yaml:"group_by"`
	// SplitBy lists the column pivots.
	SplitBy []string `json:"split_by,omitempty" yaml:"split_by"`
	// Columns selects the value columns. Nil means every column that is
	// not a pivot.
	Columns []string `json:"columns,omitempty" yaml:"columns"`
	// Aggregates maps a column to an aggregate name. Unlisted columns use
	// sum when numeric and count otherwise.
	Aggregates map[string]string `json:"aggregates,omitempty" yaml:"aggregates"`
	Sort       []Sort            `json:"sort,omitempty" yaml:"sort"`
	Filter     []Filter          `json:"filter,omitempty" yaml:"filter"`
}

// Sort is one sort key, encoded on the wire as [column, direction].
type Sort struct {
	Column string
	Desc   bool
	// Abs compares numeric values by magnitude.
	Abs bool
}

func (s Sort) direction() string {
	dir := "asc"
	if s.Desc {
		dir = "desc"
	}
	if s.Abs {
		dir += " abs"
	}
	return dir
}

// MarshalJSON encodes the sort as [column, direction].
func (s Sort) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{s.Column, s.direction()})
}

// UnmarshalJSON accepts [column, direction] or a bare column name.
func (s *Sort) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*s = Sort{Column: name}
		return nil
	}
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("sort must be [column, direction]: %w", err)
	}
	return s.set(parts)
}

// UnmarshalYAML mirrors UnmarshalJSON.
func (s *Sort) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err == nil {
		*s = Sort{Column: name}
		return nil
	}
	var parts []string
	if err := unmarshal(&parts); err != nil {
		return err
	}
	return s.set(parts)
}

func (s *Sort) set(parts []string) error {
	if len(parts) == 0 || len(parts) > 2 {
		return fmt.Errorf("sort must be [column, direction]")
	}
	*s = Sort{Column: parts[0]}
	if len(parts) == 1 {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "asc", "col asc", "":
	case "desc", "col desc":
		s.Desc = true
	case "asc abs", "col asc abs":
		s.Abs = true
	case "desc abs", "col desc abs":
		s.Desc, s.Abs = true, true
	default:
		return fmt.Errorf("unknown sort direction %q", parts[1])
	}
	return nil
}

// Filter is one predicate, encoded on the wire as [column, op, value] or
// [column, op] for the null checks.
type Filter struct {
	Column string
	Op     string
	Value  interface{}
}

// MarshalJSON encodes the filter as an array.
func (f Filter) MarshalJSON() ([]byte, error) {
	if f.Value == nil {
		return json.Marshal([]interface{}{f.Column, f.Op})
	}
	return json.Marshal([]interface{}{f.Column, f.Op, f.Value})
}

// UnmarshalJSON decodes [column, op] or [column, op, value].
func (f *Filter) UnmarshalJSON(data []byte) error {
	var parts []interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&parts); err != nil {
		return fmt.Errorf("filter must be [column, op, value]: %w", err)
	}
	return f.set(parts)
}

// UnmarshalYAML mirrors UnmarshalJSON.
func (f *Filter) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var parts []interface{}
	if err := unmarshal(&parts); err != nil {
		return err
	}
	return f.set(parts)
}

func (f *Filter) set(parts []interface{}) error {
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("filter must be [column, op, value]")
	}
	col, ok1 := parts[0].(string)
	op, ok2 := parts[1].(string)
	if !ok1 || !ok2 {
		return fmt.Errorf("filter column and operator must be strings")
	}
	*f = Filter{Column: col, Op: op}
	if len(parts) == 3 {
		f.Value = parts[2]
	}
	return nil
}

// wireConfig is the accepted JSON shape, including the legacy pivot names.
type wireConfig struct {
	GroupBy      []string          `json:"group_by"`
	RowPivots    []string          `json:"row_pivots"`
	SplitBy      []string          `json:"split_by"`
	ColumnPivots []string          `json:"column_pivots"`
	Columns      []string          `json:"columns"`
	Aggregates   map[string]string `json:"aggregates"`
	Sort         []Sort            `json:"sort"`
	Filter       []Filter          `json:"filter"`
}

func (w wireConfig) config() (Config, error) {
	if w.GroupBy != nil && w.RowPivots != nil {
		return Config{}, errors.NewConfigError(errors.CodeInvalidConfig, "group_by and row_pivots are aliases; set only one")
	}
	if w.SplitBy != nil && w.ColumnPivots != nil {
		return Config{}, errors.NewConfigError(errors.CodeInvalidConfig, "split_by and column_pivots are aliases; set only one")
	}
	c := Config{
		GroupBy:    w.GroupBy,
		SplitBy:    w.SplitBy,
		Columns:    w.Columns,
		Aggregates: w.Aggregates,
		Sort:       w.Sort,
		Filter:     w.Filter,
	}
	if c.GroupBy == nil {
		c.GroupBy = w.RowPivots
	}
	if c.SplitBy == nil {
		c.SplitBy = w.ColumnPivots
	}
	return c, nil
}

func decodeStrict(data []byte, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrCategoryConfig, errors.CodeInvalidConfig, "invalid view config", err)
	}
	return nil
}

// ParseConfig decodes a view config, rejecting unknown fields.
func ParseConfig(data []byte) (Config, error) {
	var w wireConfig
	if err := decodeStrict(data, &w); err != nil {
		return Config{}, err
	}
	return w.config()
}

// UnmarshalJSON applies ParseConfig so that configs embedded in other
// messages get the same validation.
func (c *Config) UnmarshalJSON(data []byte) error {
	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}

// Layout is a saved view state: the view config plus presentation metadata
// that the engine stores and returns without interpreting.
type Layout struct {
	Config       Config
	Plugin       string
	PluginConfig json.RawMessage
	Settings     bool
	Theme        string
	Title        string
}

type wireLayout struct {
	wireConfig
	Plugin       string          `json:"plugin"`
	PluginConfig json.RawMessage `json:"plugin_config"`
	Settings     bool            `json:"settings"`
	Theme        string          `json:"theme"`
	Title        string          `json:"title"`
}

// ParseLayout decodes a saved layout, rejecting unknown fields.
func ParseLayout(data []byte) (Layout, error) {
	var w wireLayout
	if err := decodeStrict(data, &w); err != nil {
		return Layout{}, err
	}
	cfg, err := w.config()
	if err != nil {
		return Layout{}, err
	}
	return Layout{
		Config:       cfg,
		Plugin:       w.Plugin,
		PluginConfig: w.PluginConfig,
		Settings:     w.Settings,
		Theme:        w.Theme,
		Title:        w.Title,
	}, nil
}

// UnmarshalJSON applies ParseLayout.
func (l *Layout) UnmarshalJSON(data []byte) error {
	layout, err := ParseLayout(data)
	if err != nil {
		return err
	}
	*l = layout
	return nil
}

// MarshalJSON flattens the layout into a single object.
func (l Layout) MarshalJSON() ([]byte, error) {
	type flat struct {
		GroupBy      []string          `json:"group_by,omitempty"`
		SplitBy      []string          `json:"split_by,omitempty"`
		Columns      []string          `json:"columns,omitempty"`
		Aggregates   map[string]string `json:"aggregates,omitempty"`
		Sort         []Sort            `json:"sort,omitempty"`
		Filter       []Filter          `json:"filter,omitempty"`
		Plugin       string            `json:"plugin,omitempty"`
		PluginConfig json.RawMessage   `json:"plugin_config,omitempty"`
		Settings     bool              `json:"settings,omitempty"`
		Theme        string            `json:"theme,omitempty"`
		Title        string            `json:"title,omitempty"`
	}
	return json.Marshal(flat{
		GroupBy:      l.Config.GroupBy,
		SplitBy:      l.Config.SplitBy,
		Columns:      l.Config.Columns,
		Aggregates:   l.Config.Aggregates,
		Sort:         l.Config.Sort,
		Filter:       l.Config.Filter,
		Plugin:       l.Plugin,
		PluginConfig: l.PluginConfig,
		Settings:     l.Settings,
		Theme:        l.Theme,
		Title:        l.Title,
	})
}
