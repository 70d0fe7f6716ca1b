// Package table holds the in-memory tabular form of an API payload and the cleanup
// operations applied to it before it is written out.
package table

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tidwall/gjson"
)

// DateLayout is the layout dates are published in by the API (%Y/%m/%d, with optional padding).
const DateLayout = "2006/1/2"

// IsoDateLayout is the layout dates are serialized with.
const IsoDateLayout = "2006-01-02"

// ErrMissingColumn is returned when an operation names a column the table does not have.
var ErrMissingColumn = errors.New("missing column")

type Kind int

const (
	KindNull Kind = iota
	KindText
	KindNumber
	KindBool
	KindDate
	KindRaw
	// KindUnspecified marks a value that was missing at the source and has been filled.
	// It is kept apart from KindText so "missing" is never confused with a real category.
	KindUnspecified
)

// Cell is a single typed value. Text holds the string, the literal JSON number, or the raw
// JSON of nested values depending on Kind.
type Cell struct {
	Kind Kind
	Text string
	Bool bool
	Date time.Time
}

func (c Cell) IsNull() bool {
	return c.Kind == KindNull
}

// Render returns the CSV representation of a cell, `sentinel` is used for KindUnspecified.
func (c Cell) Render(sentinel string) string {
	switch c.Kind {
	case KindNull:
		return ""
	case KindBool:
		if c.Bool {
			return "True"
		}
		return "False"
	case KindDate:
		return c.Date.Format(IsoDateLayout)
	case KindUnspecified:
		return sentinel
	default:
		return c.Text
	}
}

func cellFromJSON(value gjson.Result) Cell {
	switch value.Type {
	case gjson.Null:
		return Cell{Kind: KindNull}
	case gjson.String:
		return Cell{Kind: KindText, Text: value.Str}
	case gjson.Number:
		return Cell{Kind: KindNumber, Text: value.Raw}
	case gjson.True, gjson.False:
		return Cell{Kind: KindBool, Bool: value.Bool()}
	default:
		return Cell{Kind: KindRaw, Text: value.Raw}
	}
}

// Table is an ordered set of columns and rows, every row has len(Columns) cells.
type Table struct {
	Columns []string
	Rows    [][]Cell
}

// DateError is returned by ParseDates for a value that is not a date in DateLayout.
type DateError struct {
	Column string
	Row    int
	Value  string
	Err    error
}

func (e DateError) Error() string {
	return fmt.Sprintf("column %q row %d: %q is not a %s date: %s", e.Column, e.Row, e.Value, DateLayout, e.Err)
}

func (e DateError) Unwrap() error {
	return e.Err
}

// FromJSON builds a table out of a JSON array of objects. Columns appear in the order their
// keys are first seen while walking the records, records lacking a key get a null cell.
func FromJSON(payload []byte) (Table, error) {
	if !gjson.ValidBytes(payload) {
		return Table{}, fmt.Errorf("payload is not valid json")
	}
	return FromResult(gjson.ParseBytes(payload))
}

// FromResult is FromJSON for a value that has already been parsed, such as a nested `data` field.
func FromResult(records gjson.Result) (Table, error) {
	if !records.IsArray() {
		return Table{}, fmt.Errorf("expected a json array of records, got %s", records.Type)
	}

	var t Table
	index := map[string]int{}
	var rows []map[int]Cell

	var recordErr error
	records.ForEach(func(i, record gjson.Result) bool {
		if !record.IsObject() {
			recordErr = fmt.Errorf("record %d is not a json object", i.Int())
			return false
		}
		row := map[int]Cell{}
		record.ForEach(func(key, value gjson.Result) bool {
			col, ok := index[key.Str]
			if !ok {
				col = len(t.Columns)
				index[key.Str] = col
				t.Columns = append(t.Columns, key.Str)
			}
			row[col] = cellFromJSON(value)
			return true
		})
		rows = append(rows, row)
		return true
	})
	if recordErr != nil {
		return Table{}, recordErr
	}

	t.Rows = make([][]Cell, len(rows))
	for i, row := range rows {
		cells := make([]Cell, len(t.Columns))
		for col, cell := range row {
			cells[col] = cell
		}
		t.Rows[i] = cells
	}
	return t, nil
}

// ColumnIndex returns the position of `name` or an error wrapping ErrMissingColumn.
func (t Table) ColumnIndex(name string) (int, error) {
	idx := slices.Index(t.Columns, name)
	if idx < 0 {
		return -1, fmt.Errorf("%w: %q", ErrMissingColumn, name)
	}
	return idx, nil
}

// Column returns every cell of a column, in row order.
func (t Table) Column(name string) ([]Cell, error) {
	idx, err := t.ColumnIndex(name)
	if err != nil {
		return nil, err
	}
	out := make([]Cell, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// ParseDates retypes text cells of the given columns into dates. Null cells stay null.
func (t *Table) ParseDates(columns ...string) error {
	for _, name := range columns {
		idx, err := t.ColumnIndex(name)
		if err != nil {
			return err
		}
		for r, row := range t.Rows {
			cell := row[idx]
			switch cell.Kind {
			case KindNull, KindDate:
				continue
			case KindText:
				date, err := time.Parse(DateLayout, cell.Text)
				if err != nil {
					return DateError{Column: name, Row: r, Value: cell.Text, Err: err}
				}
				row[idx] = Cell{Kind: KindDate, Date: date}
			default:
				return DateError{
					Column: name,
					Row:    r,
					Value:  cell.Render(""),
					Err:    fmt.Errorf("value is not a string"),
				}
			}
		}
	}
	return nil
}

// FillMissing marks every null cell of the given columns as KindUnspecified and returns how
// many cells were filled.
func (t *Table) FillMissing(columns ...string) (int, error) {
	filled := 0
	for _, name := range columns {
		idx, err := t.ColumnIndex(name)
		if err != nil {
			return filled, err
		}
		for _, row := range t.Rows {
			if row[idx].IsNull() {
				row[idx] = Cell{Kind: KindUnspecified}
				filled++
			}
		}
	}
	return filled, nil
}

// Drop removes a column.
func (t *Table) Drop(name string) error {
	idx, err := t.ColumnIndex(name)
	if err != nil {
		return err
	}
	t.Columns = slices.Delete(t.Columns, idx, idx+1)
	for i, row := range t.Rows {
		t.Rows[i] = slices.Delete(row, idx, idx+1)
	}
	return nil
}
