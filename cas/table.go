package cas

import (
	"context"
	"errors"
	"fmt"
)

// Table A reference to a CAS table, optionally filtered by a where clause
type Table struct {
	session *Session

	Name   string
	Caslib string
	Where  string
	Vars   []string
}

// Table Reference a table in this session. An empty caslib means the active caslib.
func (s *Session) Table(name, caslib string) *Table {
	return &Table{session: s, Name: name, Caslib: caslib}
}

func (t *Table) Session() *Session {
	return t.session
}

func (t *Table) String() string {
	if t.Caslib == "" {
		return t.Name
	}
	return t.Caslib + "." + t.Name
}

// SQLName The table as a quoted FedSQL identifier
func (t *Table) SQLName() string {
	if t.Caslib == "" {
		return fmt.Sprintf("%q", t.Name)
	}
	return fmt.Sprintf("%q.%q", t.Caslib, t.Name)
}

// Query Copy of the table filtered by where
func (t *Table) Query(where string) *Table {
	c := *t
	c.Where = where
	c.Vars = append([]string(nil), t.Vars...)
	return &c
}

// Select Copy of the table restricted to the given columns
func (t *Table) Select(columns ...string) *Table {
	c := *t
	c.Vars = append([]string(nil), columns...)
	return &c
}

// Param The table as an action input parameter
func (t *Table) Param() map[string]interface{} {
	p := t.ref()
	if t.Where != "" {
		p["where"] = t.Where
	}
	if len(t.Vars) > 0 {
		vars := make([]map[string]interface{}, len(t.Vars))
		for i, v := range t.Vars {
			vars[i] = map[string]interface{}{"name": v}
		}
		p["vars"] = vars
	}
	return p
}

// ref The table without filters
func (t *Table) ref() map[string]interface{} {
	p := map[string]interface{}{"name": t.Name}
	if t.Caslib != "" {
		p["caslib"] = t.Caslib
	}
	return p
}

// OutParam The table as an action output (casOut) parameter
func (t *Table) OutParam(replace bool) map[string]interface{} {
	p := t.ref()
	p["replace"] = replace
	return p
}

// Columns Names of the table columns, from table.columnInfo
func (t *Table) Columns(ctx context.Context) ([]string, error) {
	resp, err := t.session.Action(ctx, "table.columnInfo", map[string]interface{}{"table": t.ref()})
	if err != nil {
		return nil, err
	}
	info, err := resp.Table("ColumnInfo")
	if err != nil {
		return nil, err
	}
	columns := make([]string, 0, info.Len())
	for i := 0; i < info.Len(); i++ {
		name, err := info.String(i, "Column")
		if err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, nil
}

// Fetch Rows from through to of the table, 1-based and inclusive
func (t *Table) Fetch(ctx context.Context, from, to int) (*ResultTable, error) {
	if from < 1 || to < from {
		return nil, fmt.Errorf("invalid fetch range %d..%d", from, to)
	}
	resp, err := t.session.Action(ctx, "table.fetch", map[string]interface{}{
		"table":    t.Param(),
		"from":     from,
		"to":       to,
		"maxRows":  to - from + 1,
		"sastypes": false,
		"index":    false,
	})
	if err != nil {
		return nil, err
	}
	return resp.Table("Fetch")
}

// RecordCount Number of rows matching the table filter
func (t *Table) RecordCount(ctx context.Context) (int, error) {
	resp, err := t.session.Action(ctx, "table.recordCount", map[string]interface{}{"table": t.Param()})
	if err != nil {
		return 0, err
	}
	counts, err := resp.Table("RecordCount")
	if err != nil {
		return 0, err
	}
	if counts.Len() == 0 {
		return 0, errors.New("recordCount returned no rows")
	}
	n, err := counts.Int(0, "N")
	return int(n), err
}

// Drop Remove the table from the server. Missing tables are ignored.
func (t *Table) Drop(ctx context.Context) error {
	params := t.ref()
	params["quiet"] = true
	_, err := t.session.Action(ctx, "table.dropTable", params)
	return err
}

// AlterColumn A rename or drop of one column in table.alterTable
type AlterColumn struct {
	Name   string
	Rename string
	Drop   bool
}

// Alter Rename or drop columns in place
func (t *Table) Alter(ctx context.Context, columns []AlterColumn) error {
	cols := make([]map[string]interface{}, len(columns))
	for i, c := range columns {
		col := map[string]interface{}{"name": c.Name}
		if c.Rename != "" {
			col["rename"] = c.Rename
		}
		if c.Drop {
			col["drop"] = true
		}
		cols[i] = col
	}
	params := t.ref()
	params["columns"] = cols
	_, err := t.session.Action(ctx, "table.alterTable", params)
	return err
}

// ExecFedSQL Run a FedSQL statement, typically a "create table ... as select".
func (s *Session) ExecFedSQL(ctx context.Context, query string) error {
	_, err := s.Action(ctx, "fedsql.execDirect", map[string]interface{}{"query": query})
	return err
}
