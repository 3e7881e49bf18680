package recall

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
)

func TestMySQLStoreAndRetrieve(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(schemaSQL),
		execOp(upsertSQL),
		queryOp(selectSQL, mockRowsData{
			columns: []string{"data", "metadata", "updated_at"},
			values:  [][]driver.Value{{[]byte(`{"id":"t-1","status":"pending"}`), []byte(`{"agent":"task-manager"}`), int64(1700000000000)}},
		}),
		queryOp(selectSQL, mockRowsData{columns: []string{"data", "metadata", "updated_at"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	ctx := context.Background()
	store, err := newMySQLWithDB(ctx, db)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.Store(ctx, TaskKey("t-1"), map[string]string{"id": "t-1", "status": "pending"}, Metadata{"agent": "task-manager"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	rec, err := store.Retrieve(ctx, TaskKey("t-1"))
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if rec.Metadata["agent"] != "task-manager" || rec.UpdatedAt.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := store.Retrieve(ctx, TaskKey("missing")); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLCoTAndSearch(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(schemaSQL),
		execOp(upsertSQL),
		queryOp(selectSQL, mockRowsData{
			columns: []string{"data", "metadata", "updated_at"},
			values:  [][]driver.Value{{[]byte(`["a","b"]`), nil, int64(1)}},
		}),
		queryOp(searchSQL, mockRowsData{
			columns: []string{"record_key", "data", "metadata", "updated_at"},
			values: [][]driver.Value{
				{"observation:1", []byte(`"weth weth"`), []byte(`{"agent":"observer"}`), int64(2)},
				{"observation:2", []byte(`"weth"`), []byte(`{"agent":"observer"}`), int64(3)},
			},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	ctx := context.Background()
	store, err := newMySQLWithDB(ctx, db)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.StoreCoT(ctx, "thought:1", []string{"a", "b"}, nil); err != nil {
		t.Fatalf("store cot: %v", err)
	}
	cot, err := store.RetrieveCoT(ctx, "thought:1")
	if err != nil {
		t.Fatalf("retrieve cot: %v", err)
	}
	if len(cot.Thoughts) != 2 || cot.Thoughts[1] != "b" {
		t.Fatalf("unexpected cot %+v", cot)
	}
	results, err := store.Search(ctx, "weth", SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 || results[0].Key != "observation:1" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestMySQLRequiresDSN(t *testing.T) {
	if _, err := NewMySQL(context.Background(), " ", 0); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := NewMySQL(context.Background(), "not a dsn", 0); err == nil {
		t.Fatalf("expected error for malformed dsn")
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
)

type mockOperation struct {
	typ   operationType
	query string
	rows  mockRowsData
	err   error
}

type mockResult struct{}

func (mockResult) LastInsertId() (int64, error) { return 0, nil }
func (mockResult) RowsAffected() (int64, error) { return 1, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-recall-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string) mockOperation {
	return mockOperation{typ: opExec, query: query}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("transactions not supported")
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return mockResult{}, nil
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
