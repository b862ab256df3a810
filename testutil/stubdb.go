// Package testutil provides an in-memory database/sql driver that serves
// canned results and records every statement, so engine-facing code can be
// tested without a live database.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// StubResult is one canned result set.
type StubResult struct {
	Columns []string
	Rows    [][]driver.Value
}

// Responder decides what a statement returns. A nil *StubResult with nil
// error behaves like an empty result set.
type Responder func(query string, args []driver.Value) (*StubResult, error)

// StubDB wraps a *sql.DB served entirely by a Responder.
type StubDB struct {
	*sql.DB

	mu         sync.Mutex
	statements []string
}

// Statements returns every statement seen so far, in order.
func (s *StubDB) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.statements))
	copy(out, s.statements)
	return out
}

func (s *StubDB) record(query string) {
	s.mu.Lock()
	s.statements = append(s.statements, query)
	s.mu.Unlock()
}

var stubSeq atomic.Int64

// OpenStubDB registers a fresh stub driver instance and opens it.
func OpenStubDB(responder Responder) *StubDB {
	stub := &StubDB{}
	name := fmt.Sprintf("stub-%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{stub: stub, responder: responder})
	db, err := sql.Open(name, name)
	if err != nil {
		panic(err) // only fails on duplicate registration
	}
	stub.DB = db
	return stub
}

// SingleValue is a convenience responder result holding one column and row.
func SingleValue(column string, value driver.Value) *StubResult {
	return &StubResult{Columns: []string{column}, Rows: [][]driver.Value{{value}}}
}

type stubDriver struct {
	stub      *StubDB
	responder Responder
}

func (d *stubDriver) Open(name string) (driver.Conn, error) {
	return &stubConn{stub: d.stub, responder: d.responder}, nil
}

type stubConn struct {
	stub      *StubDB
	responder Responder
}

func (c *stubConn) Prepare(query string) (driver.Stmt, error) {
	return &stubStmt{conn: c, query: query}, nil
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) Begin() (driver.Tx, error) { return stubTx{}, nil }

func (c *stubConn) respond(query string, args []driver.Value) (*StubResult, error) {
	c.stub.record(query)
	if c.responder == nil {
		return nil, nil
	}
	return c.responder(query, args)
}

func (c *stubConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	result, err := c.respond(query, namedToValues(args))
	if err != nil {
		return nil, err
	}
	return newStubRows(result), nil
}

func (c *stubConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if _, err := c.respond(query, namedToValues(args)); err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

// Ping lets *sql.DB.Ping succeed against the stub.
func (c *stubConn) Ping(ctx context.Context) error { return nil }

func namedToValues(args []driver.NamedValue) []driver.Value {
	values := make([]driver.Value, len(args))
	for i, a := range args {
		values[i] = a.Value
	}
	return values
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubStmt struct {
	conn  *stubConn
	query string
}

func (s *stubStmt) Close() error  { return nil }
func (s *stubStmt) NumInput() int { return -1 }

func (s *stubStmt) Exec(args []driver.Value) (driver.Result, error) {
	if _, err := s.conn.respond(s.query, args); err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

func (s *stubStmt) Query(args []driver.Value) (driver.Rows, error) {
	result, err := s.conn.respond(s.query, args)
	if err != nil {
		return nil, err
	}
	return newStubRows(result), nil
}

func newStubRows(result *StubResult) *stubRows {
	if result == nil {
		result = &StubResult{}
	}
	return &stubRows{result: result}
}

type stubRows struct {
	result *StubResult
	cursor int
}

func (r *stubRows) Columns() []string { return r.result.Columns }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.cursor >= len(r.result.Rows) {
		return io.EOF
	}
	copy(dest, r.result.Rows[r.cursor])
	r.cursor++
	return nil
}
