package mssql

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Isolation selects the transaction isolation level of Begin.
type Isolation uint8

const (
	IsolationUseCurrent     Isolation = 0
	IsolationReadUncommitted Isolation = 1
	IsolationReadCommitted  Isolation = 2
	IsolationRepeatableRead Isolation = 3
	IsolationSerializable   Isolation = 4
	IsolationSnapshot       Isolation = 5
)

// Session runs one request/response exchange at a time. The main
// session lives inside every Conn; with MARS additional sessions
// share the same transport. A Session is not safe for concurrent use
// by multiple goroutines.
type Session struct {
	sess *tdsSession
}

// Conn is one connection to the server. It owns the transport and,
// with MARS, the multiplexer on top of it.
type Conn struct {
	Session
	cfg Config
}

// Connect opens a connection described by cfg.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.normalize()
	sess, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Conn{Session: Session{sess: sess}, cfg: cfg}, nil
}

// Open is Connect for a DSN string.
func Open(ctx context.Context, dsn string) (*Conn, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, cfg)
}

func (c *Conn) Close() error {
	if c.sess.smp != nil {
		return c.sess.smp.Close()
	}
	return c.sess.buf.transport.Close()
}

// Database reports the current database, as maintained by ENVCHANGE.
func (c *Conn) Database() string {
	return c.sess.state.database
}

// OnRowCount installs the callback invoked for every DONE token that
// carries a valid row count. Sessions opened afterwards inherit it.
func (c *Conn) OnRowCount(f func(rowCount uint64, curCmd uint16)) {
	c.sess.countHandler = f
}

// NewSession opens an additional MARS session on this connection.
func (c *Conn) NewSession(ctx context.Context) (*Session, error) {
	if c.sess.smp == nil {
		return nil, errors.New("mssql: MARS is not enabled on this connection")
	}
	stream, err := c.sess.smp.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	sess := &tdsSession{
		buf:          newTdsStream(c.cfg.PacketSize, stream),
		state:        c.sess.state, // connection-global state is shared
		log:          c.sess.log,
		logFlags:     c.sess.logFlags,
		loginAck:     c.sess.loginAck,
		countHandler: c.sess.countHandler,
		aeEnabled:    c.sess.aeEnabled,
		aeSettings:   c.sess.aeSettings,
		smp:          c.sess.smp,
	}
	return &Session{sess: sess}, nil
}

// Batch sends an ad-hoc SQL batch and returns its result stream.
func (s *Session) Batch(ctx context.Context, query string) (*Rows, error) {
	if s.sess.logFlags&logSQL != 0 {
		s.sess.log.Println(query)
	}
	if err := sendBatch(s.sess.buf, query, s.sess.sessionHeaders(), false); err != nil {
		return nil, err
	}
	return s.readRows(ctx, nil)
}

// Exec runs a batch to completion and reports the affected row
// count.
func (s *Session) Exec(ctx context.Context, query string) (int64, error) {
	if s.sess.logFlags&logSQL != 0 {
		s.sess.log.Println(query)
	}
	if err := sendBatch(s.sess.buf, query, s.sess.sessionHeaders(), false); err != nil {
		return 0, err
	}
	rr := startResponse(ctx, s.sess, nil)
	if err := rr.drain(); err != nil {
		return 0, err
	}
	return rr.rowCount, nil
}

// Rpc invokes a stored procedure. Out parameters are written into
// outs, keyed by parameter name without the leading "@".
func (s *Session) Rpc(ctx context.Context, proc string, params []Param, outs map[string]interface{}) (*Rows, error) {
	wire, err := wireParams(params)
	if err != nil {
		return nil, err
	}
	if err := sendRpc(s.sess.buf, s.sess.sessionHeaders(), procId{name: proc}, 0, wire, false); err != nil {
		return nil, err
	}
	return s.readRows(ctx, outs)
}

// Query executes a parameterized statement through sp_executesql.
func (s *Session) Query(ctx context.Context, query string, params ...Param) (*Rows, error) {
	if len(params) == 0 {
		return s.Batch(ctx, query)
	}
	wire, err := wireParams(params)
	if err != nil {
		return nil, err
	}
	decls := make([]string, len(wire))
	for i, p := range wire {
		decls[i] = paramDecl(p)
	}
	stmt, err := buildParam(query)
	if err != nil {
		return nil, err
	}
	declsParam, err := buildParam(strings.Join(decls, ","))
	if err != nil {
		return nil, err
	}
	all := append([]wireParam{stmt, declsParam}, wire...)
	if err := sendRpc(s.sess.buf, s.sess.sessionHeaders(), sp_ExecuteSql, 0, all, false); err != nil {
		return nil, err
	}
	return s.readRows(ctx, nil)
}

func wireParams(params []Param) ([]wireParam, error) {
	wire := make([]wireParam, len(params))
	for i, p := range params {
		wp, err := buildParam(p.Value)
		if err != nil {
			return nil, err
		}
		wp.name = p.Name
		if wp.name != "" && !strings.HasPrefix(wp.name, "@") {
			wp.name = "@" + wp.name
		}
		if p.Out {
			wp.flags |= fByRevValue
		}
		wire[i] = wp
	}
	return wire, nil
}

// Begin starts a transaction; the id the server assigns arrives via
// ENVCHANGE and is embedded in every following request.
func (s *Session) Begin(ctx context.Context, level Isolation) error {
	headers := []headerStruct{{
		hdrtype: dataStmHdrTransDescr,
		data:    transDescrHdr{0, 1}.pack(),
	}}
	if err := sendBeginXact(s.sess.buf, headers, uint8(level), "", false); err != nil {
		return err
	}
	return startResponse(ctx, s.sess, nil).drain()
}

func (s *Session) Commit(ctx context.Context) error {
	if err := sendEndXact(s.sess.buf, s.sess.sessionHeaders(), tmCommitXact, "", false); err != nil {
		return err
	}
	return startResponse(ctx, s.sess, nil).drain()
}

func (s *Session) Rollback(ctx context.Context) error {
	if err := sendEndXact(s.sess.buf, s.sess.sessionHeaders(), tmRollbackXact, "", false); err != nil {
		return err
	}
	return startResponse(ctx, s.sess, nil).drain()
}

// readRows consumes the response up to the first column metadata and
// hands the rest to the returned Rows.
func (s *Session) readRows(ctx context.Context, outs map[string]interface{}) (*Rows, error) {
	cctx, cancel := context.WithCancel(ctx)
	rr := startResponse(cctx, s.sess, outs)
	for {
		item, err := rr.next()
		if err != nil {
			cancel()
			return nil, err
		}
		if item == nil {
			cancel()
			if rr.firstErr != nil {
				return nil, rr.firstErr
			}
			return &Rows{rr: rr, cancel: cancel, done: true}, nil
		}
		if cols, ok := item.([]column); ok {
			return &Rows{rr: rr, cols: cols, cancel: cancel}, nil
		}
	}
}

// Rows streams the result of a statement. Values returned by Next
// may share backing storage with the next row; callers keeping a
// value across rows must copy it.
type Rows struct {
	rr       *responseReader
	cols     []column
	nextCols []column
	cancel   context.CancelFunc
	done     bool
}

func (r *Rows) Columns() []string {
	names := make([]string, len(r.cols))
	for i, c := range r.cols {
		names[i] = c.name
	}
	return names
}

// Next returns the next row, or io.EOF at the end of the result set.
func (r *Rows) Next() ([]interface{}, error) {
	if r.done || r.nextCols != nil {
		return nil, io.EOF
	}
	for {
		item, err := r.rr.next()
		if err != nil {
			return nil, err
		}
		if item == nil {
			r.done = true
			if r.rr.firstErr != nil {
				return nil, r.rr.firstErr
			}
			return nil, io.EOF
		}
		switch v := item.(type) {
		case []interface{}:
			return v, nil
		case []column:
			// the next result set begins
			r.nextCols = v
			return nil, io.EOF
		}
	}
}

// NextResultSet advances to the following result set, if any.
func (r *Rows) NextResultSet() bool {
	if r.nextCols == nil {
		return false
	}
	r.cols = r.nextCols
	r.nextCols = nil
	return true
}

// Status is the procedure return status, once the RETURNSTATUS token
// has been read.
func (r *Rows) Status() ReturnStatus {
	return r.rr.status
}

// RowsAffected sums the row counts observed so far.
func (r *Rows) RowsAffected() int64 {
	return r.rr.rowCount
}

// Close abandons the statement. An unfinished statement is cancelled
// with an attention request and the stream drained until the server
// acknowledges it.
func (r *Rows) Close() error {
	if r.done {
		r.cancel()
		return nil
	}
	r.cancel()
	for {
		item, err := r.rr.next()
		if err != nil {
			if err == r.rr.ctx.Err() {
				r.done = true
				return nil
			}
			return err
		}
		if item == nil {
			r.done = true
			return nil
		}
	}
}
