// Package mysqltest provides a scripted database/sql driver for store tests.
// Each test lists the statements it expects in order; the driver fails on
// the first statement that does not match.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opKind int

const (
	opExec opKind = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (k opKind) String() string {
	switch k {
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	case opRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Op is one expected driver interaction.
type Op struct {
	kind   opKind
	query  string
	args   []driver.Value
	result Result
	rows   Rows
	err    error
}

// WithArgs makes the op also compare the bound arguments. Arguments arrive
// after database/sql conversion, so integers are int64.
func (o Op) WithArgs(args ...driver.Value) Op {
	o.args = args
	return o
}

// WithError makes the op fail with err after matching.
func (o Op) WithError(err error) Op {
	o.err = err
	return o
}

// Result is returned by Exec ops.
type Result struct {
	InsertID int64
	Affected int64
}

func (r Result) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows is returned by Query ops.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

func Exec(query string, result Result) Op { return Op{kind: opExec, query: query, result: result} }
func Query(query string, rows Rows) Op    { return Op{kind: opQuery, query: query, rows: rows} }
func Begin() Op                           { return Op{kind: opBegin} }
func Commit() Op                          { return Op{kind: opCommit} }
func Rollback() Op                        { return Op{kind: opRollback} }

// Driver replays the scripted ops.
type Driver struct {
	mu  sync.Mutex
	ops []Op
	idx int
}

var driverSeq atomic.Int32

// New registers a fresh driver and returns a single-connection *sql.DB.
func New(t testing.TB, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, drv
}

// AssertConsumed fails the test if any scripted op was not reached.
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(kind opKind, query string, args []driver.NamedValue) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", kind, Normalize(query))
	}
	op := &d.ops[d.idx]
	if op.kind != kind {
		return nil, fmt.Errorf("expected %s, got %s", op.kind, kind)
	}
	d.idx++
	if op.query != "" {
		want, got := Normalize(op.query), Normalize(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if op.args != nil {
		values := make([]driver.Value, len(args))
		for i, a := range args {
			values[i] = a.Value
		}
		if !reflect.DeepEqual(op.args, values) {
			return nil, fmt.Errorf("unexpected args for %q. want %v got %v", Normalize(op.query), op.args, values)
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize collapses whitespace so expected statements can be written with
// any indentation.
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
