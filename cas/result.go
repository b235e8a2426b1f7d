package cas

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// ColumnSchema Name and CAS type of a result table column
type ColumnSchema struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// ResultTable A table returned in the results of an action
type ResultTable struct {
	Name   string          `json:"name"`
	Schema []ColumnSchema  `json:"schema"`
	Rows   [][]interface{} `json:"rows"`

	index map[string]int
}

// Table Decode the result table stored under key
func (r *Response) Table(key string) (*ResultTable, error) {
	raw, ok := r.Results[key]
	if !ok {
		return nil, fmt.Errorf("no result table %q", key)
	}
	table, err := DecodeResultTable(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot decode result table %q: %w", key, err)
	}
	return table, nil
}

// Value Decode the plain result value stored under key into out
func (r *Response) Value(key string, out interface{}) error {
	raw, ok := r.Results[key]
	if !ok {
		return fmt.Errorf("no result %q", key)
	}
	return json.Unmarshal(raw, out)
}

func (t *ResultTable) buildIndex() {
	t.index = make(map[string]int, len(t.Schema))
	for i, col := range t.Schema {
		t.index[col.Name] = i
	}
}

// Columns Names of the columns in schema order
func (t *ResultTable) Columns() []string {
	names := make([]string, len(t.Schema))
	for i, col := range t.Schema {
		names[i] = col.Name
	}
	return names
}

func (t *ResultTable) HasColumn(name string) bool {
	if t.index == nil {
		t.buildIndex()
	}
	_, ok := t.index[name]
	return ok
}

// Len Number of rows
func (t *ResultTable) Len() int {
	return len(t.Rows)
}

// Value Raw cell value
func (t *ResultTable) Value(row int, column string) (interface{}, error) {
	if t.index == nil {
		t.buildIndex()
	}
	col, ok := t.index[column]
	if !ok {
		return nil, fmt.Errorf("no column %q in table %s", column, t.Name)
	}
	if row < 0 || row >= len(t.Rows) {
		return nil, fmt.Errorf("row %d out of range, table %s has %d rows", row, t.Name, len(t.Rows))
	}
	if col >= len(t.Rows[row]) {
		return nil, nil
	}
	return t.Rows[row][col], nil
}

// Bytes Cell value of a varbinary column. The REST interface sends binaries base64 encoded.
func (t *ResultTable) Bytes(row int, column string) ([]byte, error) {
	v, err := t.Value(row, column)
	if err != nil || v == nil {
		return nil, err
	}
	switch val := v.(type) {
	case string:
		b, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return nil, fmt.Errorf("column %s row %d is not base64: %w", column, row, err)
		}
		return b, nil
	case map[string]interface{}:
		// {"$binary": "..."} form
		if s, ok := val["$binary"].(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
		if s, ok := val["data"].(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
	}
	return nil, fmt.Errorf("column %s row %d does not hold binary data", column, row)
}

// Int Cell value as an integer
func (t *ResultTable) Int(row int, column string) (int64, error) {
	v, err := t.Value(row, column)
	if err != nil {
		return 0, err
	}
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		return int64(f), err
	case float64:
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, fmt.Errorf("column %s row %d is missing", column, row)
	}
	return 0, fmt.Errorf("column %s row %d is not numeric", column, row)
}

// Float Cell value as a float
func (t *ResultTable) Float(row int, column string) (float64, error) {
	v, err := t.Value(row, column)
	if err != nil {
		return 0, err
	}
	switch val := v.(type) {
	case json.Number:
		return val.Float64()
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(val, 64)
	case nil:
		return 0, fmt.Errorf("column %s row %d is missing", column, row)
	}
	return 0, fmt.Errorf("column %s row %d is not numeric", column, row)
}

// String Cell value as a string. Numbers are formatted.
func (t *ResultTable) String(row int, column string) (string, error) {
	v, err := t.Value(row, column)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case nil:
		return "", nil
	}
	return fmt.Sprint(v), nil
}

// DecodeResultTable Decode a result table previously encoded with json.Marshal.
func DecodeResultTable(data []byte) (*ResultTable, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var table ResultTable
	if err := dec.Decode(&table); err != nil {
		return nil, err
	}
	table.buildIndex()
	return &table, nil
}
