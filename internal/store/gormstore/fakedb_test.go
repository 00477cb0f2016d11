package gormstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeDB is a database/sql driver that records every statement and answers
// SELECTs from canned tables. Writes report one affected row.
type fakeDB struct {
	mu     sync.Mutex
	log    []string
	tables map[string]fakeTable
}

type fakeTable struct {
	cols []string
	rows [][]driver.Value
}

func newFakeDB() *fakeDB {
	return &fakeDB{tables: make(map[string]fakeTable)}
}

// openFake opens a Store whose statements go to fdb.
func openFake(t *testing.T, fdb *fakeDB) *Store {
	t.Helper()
	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sql.OpenDB(fdb),
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Discard, SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return New(db)
}

func (f *fakeDB) set(table string, cols []string, rows ...[]driver.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = fakeTable{cols: cols, rows: rows}
}

func (f *fakeDB) record(stmt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, stmt)
}

func (f *fakeDB) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeDB) query(q string) fakeTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, tbl := range f.tables {
		if strings.Contains(q, "`"+name+"`") {
			return tbl
		}
	}
	return fakeTable{cols: []string{"id"}}
}

func (f *fakeDB) Connect(context.Context) (driver.Conn, error) { return &fakeConn{db: f}, nil }
func (f *fakeDB) Driver() driver.Driver                        { return fakeDriver{f} }

type fakeDriver struct{ db *fakeDB }

func (d fakeDriver) Open(string) (driver.Conn, error) { return &fakeConn{db: d.db}, nil }

type fakeConn struct{ db *fakeDB }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{db: c.db, query: query}, nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	c.db.record("BEGIN")
	return fakeTx{c.db}, nil
}

type fakeTx struct{ db *fakeDB }

func (tx fakeTx) Commit() error   { tx.db.record("COMMIT"); return nil }
func (tx fakeTx) Rollback() error { tx.db.record("ROLLBACK"); return nil }

type fakeStmt struct {
	db    *fakeDB
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec([]driver.Value) (driver.Result, error) {
	s.db.record(s.query)
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) Query([]driver.Value) (driver.Rows, error) {
	s.db.record(s.query)
	tbl := s.db.query(s.query)
	return &fakeRows{cols: tbl.cols, rows: tbl.rows}, nil
}

type fakeRows struct {
	cols []string
	rows [][]driver.Value
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if len(r.rows) == 0 {
		return io.EOF
	}
	copy(dest, r.rows[0])
	r.rows = r.rows[1:]
	return nil
}
