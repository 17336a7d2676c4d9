package otc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	stateIdle       int32 = 0
	stateConnecting int32 = -1
	stateConnected  int32 = 1
)

var errClosedByClient = errors.New("closed by client")

// Client is a connection to an opentick server. All methods are safe for
// concurrent use; many requests can be in flight on the one connection at a
// time, correlated by ticket.
type Client struct {
	cfg cfg

	ticket    int64 // atomic; bumped before every send
	connected int32 // atomic state*

	// mu guards callbacks and prepared. The response store has its own
	// lock inside reg so delivery never blocks behind a spinning waiter.
	mu        sync.Mutex
	callbacks map[int64]Callback
	prepared  map[string]int64

	reg *registry

	cxnMu sync.Mutex
	cxn   *cxn

	autoReconnect int32        // atomic seconds
	loggerv       atomic.Value // loggerBox
}

type loggerBox struct{ l Logger }

// NewClient returns an unstarted client for addr. The address may be a bare
// host or any of host:port, user:password@host:port and host/db; explicit
// options override the pieces parsed from it, and the port defaults to 1116.
// Call Start to connect.
func NewClient(addr string, opts ...Opt) (*Client, error) {
	cfg := defaultCfg()
	cfg.addr = addr
	for _, o := range opts {
		o.apply(&cfg)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	cl := &Client{
		cfg:       cfg,
		callbacks: make(map[int64]Callback),
		prepared:  make(map[string]int64),
		reg:       newRegistry(),
	}
	cl.autoReconnect = int32(cfg.autoReconnect)
	cl.loggerv.Store(loggerBox{cfg.logger})
	return cl, nil
}

// Start connects to the server, bounded by the default timeout when one is
// configured, and then logs in (if credentials are configured) or selects
// the configured database. Starting an already started client is a no-op.
func (cl *Client) Start() error {
	if !atomic.CompareAndSwapInt32(&cl.connected, stateIdle, stateConnecting) {
		return nil
	}
	cl.log(LogLevelInfo, "opentick: connecting", "addr", cl.cfg.hostPort())
	conn, err := cl.dial()
	if err != nil {
		atomic.StoreInt32(&cl.connected, stateIdle)
		cl.log(LogLevelError, "opentick: failed to connect", "addr", cl.cfg.hostPort(), "err", err)
		return &ConnectError{Err: err}
	}
	return cl.afterConnected(conn, true)
}

// IsConnected reports whether the connection is currently live.
func (cl *Client) IsConnected() bool {
	return atomic.LoadInt32(&cl.connected) == stateConnected
}

// SetLogger replaces the client's logger. A nil logger disables logging.
func (cl *Client) SetLogger(l Logger) {
	if l == nil {
		l = new(nopLogger)
	}
	cl.loggerv.Store(loggerBox{l})
}

// SetAutoReconnect sets the delay in seconds before the client redials after
// a teardown. Zero or below disables reconnecting.
func (cl *Client) SetAutoReconnect(seconds int) {
	atomic.StoreInt32(&cl.autoReconnect, int32(seconds))
}

// Close tears the connection down: the socket is shut, the prepared cache
// and pending callbacks are dropped, and every outstanding synchronous
// waiter wakes with *ConnectionLostError. If auto reconnect is enabled the
// client will redial after the configured delay.
func (cl *Client) Close() {
	cl.cxnMu.Lock()
	c := cl.cxn
	cl.cxnMu.Unlock()
	if c != nil {
		c.die(errClosedByClient)
		return
	}
	atomic.CompareAndSwapInt32(&cl.connected, stateConnecting, stateIdle)
}

func (cl *Client) dial() (net.Conn, error) {
	ctx := context.Background()
	if cl.cfg.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.cfg.defaultTimeout)
		defer cancel()
	}
	conn, err := cl.cfg.dialFn(ctx, "tcp", cl.cfg.hostPort())
	if err != nil {
		cl.cfg.hooks.each(func(h Hook) {
			if h, ok := h.(ConnectHook); ok {
				h.OnConnect(cl.cfg.hostPort(), nil, err)
			}
		})
	}
	return conn, err
}

// afterConnected installs the live socket and replays login/use. On the
// blocking Start path those are synchronous; on the reconnect path they are
// fire and forget.
func (cl *Client) afterConnected(conn net.Conn, wait bool) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	cl.reg.clear()
	c := newCxn(cl, conn)
	cl.cxnMu.Lock()
	cl.cxn = c
	cl.cxnMu.Unlock()
	atomic.StoreInt32(&cl.connected, stateConnected)
	cl.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(ConnectHook); ok {
			h.OnConnect(c.addr, conn, nil)
		}
	})
	cl.log(LogLevelInfo, "opentick: connected", "addr", c.addr)

	var err error
	if cl.cfg.username != "" {
		err = cl.login(context.Background(), cl.cfg.username, cl.cfg.password, cl.cfg.db, wait)
	} else if cl.cfg.db != "" {
		err = cl.use(context.Background(), cl.cfg.db, wait)
	}
	if err != nil {
		cl.Close()
		return err
	}
	return nil
}

// connDied is called exactly once per cxn death. It clears per-connection
// state (invariant: prepared ids and callbacks are connection-scoped) and
// wakes every synchronous waiter through the fanout ticket.
func (cl *Client) connDied(c *cxn, err error) {
	cl.cxnMu.Lock()
	if cl.cxn != c {
		cl.cxnMu.Unlock()
		return
	}
	cl.cxn = nil
	cl.cxnMu.Unlock()
	atomic.StoreInt32(&cl.connected, stateIdle)

	cl.mu.Lock()
	cl.callbacks = make(map[int64]Callback)
	cl.prepared = make(map[string]int64)
	cl.mu.Unlock()
	cl.reg.fail(err.Error())
	cl.log(LogLevelError, "opentick: connection closed", "addr", c.addr, "err", err)

	if secs := atomic.LoadInt32(&cl.autoReconnect); secs > 0 {
		time.AfterFunc(time.Duration(secs)*time.Second, cl.reconnect)
	}
}

func (cl *Client) reconnect() {
	if !atomic.CompareAndSwapInt32(&cl.connected, stateIdle, stateConnecting) {
		return
	}
	cl.log(LogLevelInfo, "opentick: trying reconnect", "addr", cl.cfg.hostPort())
	conn, err := cl.dial()
	if err != nil {
		atomic.StoreInt32(&cl.connected, stateIdle)
		cl.log(LogLevelError, "opentick: failed to connect", "addr", cl.cfg.hostPort(), "err", err)
		if secs := atomic.LoadInt32(&cl.autoReconnect); secs > 0 {
			time.AfterFunc(time.Duration(secs)*time.Second, cl.reconnect)
		}
		return
	}
	cl.afterConnected(conn, false)
}

// Login authenticates and optionally selects a database; db may be empty.
// The credentials are retained and replayed on reconnect.
func (cl *Client) Login(ctx context.Context, username, password, db string) error {
	return cl.login(ctx, username, password, db, true)
}

func (cl *Client) login(ctx context.Context, username, password, db string, wait bool) error {
	cl.cfg.username, cl.cfg.password = username, password
	arg := username + " " + password
	if db != "" {
		cl.cfg.db = db
		arg += " " + db
	}
	ticket := cl.nextTicket()
	if err := cl.send(bson.D{
		{Key: "0", Value: ticket},
		{Key: "1", Value: "login"},
		{Key: "2", Value: arg},
	}); err != nil {
		return err
	}
	if !wait {
		return nil
	}
	_, err := cl.await(ctx, ticket)
	return err
}

// Use selects the database for subsequent statements. The name is retained
// and replayed on reconnect.
func (cl *Client) Use(ctx context.Context, db string) error {
	return cl.use(ctx, db, true)
}

func (cl *Client) use(ctx context.Context, db string, wait bool) error {
	cl.cfg.db = db
	ticket := cl.nextTicket()
	if err := cl.send(bson.D{
		{Key: "0", Value: ticket},
		{Key: "1", Value: "use"},
		{Key: "2", Value: db},
	}); err != nil {
		return err
	}
	if !wait {
		return nil
	}
	_, err := cl.await(ctx, ticket)
	return err
}

// Prepare parses sql on the server and returns its prepared id. Ids are
// cached by exact SQL text, so repeated prepares of one statement cost a
// single round trip; the cache empties on teardown because the ids are
// server side state.
func (cl *Client) Prepare(ctx context.Context, sql string) (int64, error) {
	cl.mu.Lock()
	if id, ok := cl.prepared[sql]; ok {
		cl.mu.Unlock()
		return id, nil
	}
	cl.mu.Unlock()

	ticket := cl.nextTicket()
	if err := cl.send(bson.D{
		{Key: "0", Value: ticket},
		{Key: "1", Value: "prepare"},
		{Key: "2", Value: sql},
	}); err != nil {
		return 0, err
	}
	v, err := cl.await(ctx, ticket)
	if err != nil {
		return 0, err
	}
	id, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("opentick: unexpected prepare reply of type %T", v)
	}
	// Lookup and insert are separate critical sections: a racing prepare
	// of the same SQL costs one extra server side prepare and the later
	// id wins.
	cl.mu.Lock()
	cl.prepared[sql] = id
	cl.mu.Unlock()
	return id, nil
}

// ExecuteAsync submits sql without waiting for the result. Statements with
// arguments are prepared first (one blocking round trip on the first use of
// a statement, bounded by ctx).
//
// With a nil callback the returned future resolves to the result. With a
// callback no future is returned; the callback is invoked from the read
// loop with the rows or the error, or with ErrTimeout if the client's
// default timeout elapses first, in which case the late response is
// discarded.
func (cl *Client) ExecuteAsync(ctx context.Context, sql string, args []interface{}, cb Callback) (*Future, error) {
	var arg2 interface{} = sql
	jargs := bson.A{}
	if len(args) > 0 {
		var err error
		if jargs, err = encodeArgs(args); err != nil {
			return nil, err
		}
		prepared, err := cl.Prepare(ctx, sql)
		if err != nil {
			return nil, err
		}
		arg2 = prepared
	}
	ticket := cl.nextTicket()
	if cb != nil {
		cl.mu.Lock()
		cl.callbacks[ticket] = cb
		cl.mu.Unlock()
	}
	if err := cl.send(bson.D{
		{Key: "0", Value: ticket},
		{Key: "1", Value: "run"},
		{Key: "2", Value: arg2},
		{Key: "3", Value: jargs},
	}); err != nil {
		if cb != nil {
			cl.mu.Lock()
			delete(cl.callbacks, ticket)
			cl.mu.Unlock()
		}
		return nil, err
	}
	if cb != nil {
		if d := cl.cfg.defaultTimeout; d > 0 {
			time.AfterFunc(d, func() { cl.timeOutCallback(ticket) })
		}
		return nil, nil
	}
	return &Future{ticket: ticket, cl: cl}, nil
}

// timeOutCallback cancels a registered callback to ErrTimeout. The entry is
// replaced with a nil marker rather than deleted so the late response is
// recognized and dropped instead of leaking into the store.
func (cl *Client) timeOutCallback(ticket int64) {
	cl.mu.Lock()
	cb, ok := cl.callbacks[ticket]
	if !ok || cb == nil {
		cl.mu.Unlock()
		return
	}
	cl.callbacks[ticket] = nil
	cl.mu.Unlock()
	cb(nil, ErrTimeout)
}

// Execute runs sql and waits for its rows, bounded by ctx or, if ctx has no
// deadline, the client's default timeout.
func (cl *Client) Execute(ctx context.Context, sql string, args ...interface{}) (ResultSet, error) {
	f, err := cl.ExecuteAsync(ctx, sql, args, nil)
	if err != nil {
		return nil, err
	}
	return f.Get(ctx)
}

// BatchInsertAsync prepares sql and submits every argument row as a single
// request with a single acknowledgement; the server applies or rejects the
// batch as a whole.
func (cl *Client) BatchInsertAsync(ctx context.Context, sql string, argss [][]interface{}) (*Future, error) {
	rows := make(bson.A, 0, len(argss))
	for _, args := range argss {
		jargs, err := encodeArgs(args)
		if err != nil {
			return nil, err
		}
		rows = append(rows, jargs)
	}
	prepared, err := cl.Prepare(ctx, sql)
	if err != nil {
		return nil, err
	}
	ticket := cl.nextTicket()
	if err := cl.send(bson.D{
		{Key: "0", Value: ticket},
		{Key: "1", Value: "batch"},
		{Key: "2", Value: prepared},
		{Key: "3", Value: rows},
	}); err != nil {
		return nil, err
	}
	return &Future{ticket: ticket, cl: cl}, nil
}

// BatchInsert is the blocking form of BatchInsertAsync.
func (cl *Client) BatchInsert(ctx context.Context, sql string, argss [][]interface{}) error {
	f, err := cl.BatchInsertAsync(ctx, sql, argss)
	if err != nil {
		return err
	}
	_, err = f.Get(ctx)
	return err
}

func (cl *Client) nextTicket() int64 {
	return atomic.AddInt64(&cl.ticket, 1)
}

func (cl *Client) send(doc bson.D) error {
	if atomic.LoadInt32(&cl.connected) != stateConnected {
		return ErrNotConnected
	}
	payload, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	cl.cxnMu.Lock()
	c := cl.cxn
	cl.cxnMu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.enqueue(payload)
}

// notify routes one decoded response. Callback tickets are served directly;
// a nil callback marker means the request already timed out and the late
// response is dropped. Everything else lands in the store for its
// synchronous waiter. Scalar success replies on callback tickets are
// ignored: callbacks are only ever registered for run commands, which
// answer with rows or an error string.
func (cl *Client) notify(ticket int64, val interface{}) {
	if ticket >= 0 {
		cl.mu.Lock()
		cb, ok := cl.callbacks[ticket]
		if ok {
			delete(cl.callbacks, ticket)
		}
		cl.mu.Unlock()
		if ok {
			if cb == nil {
				return
			}
			switch v := val.(type) {
			case ResultSet:
				cb(v, nil)
			case string:
				cb(nil, &ServerError{Message: v})
			}
			return
		}
	}
	cl.reg.deliver(ticket, val)
}

// await blocks for the response to ticket, deriving a deadline from the
// default timeout when ctx carries none. Once the client goes quiescent the
// registry drops responses whose waiters gave up long ago.
func (cl *Client) await(ctx context.Context, ticket int64) (interface{}, error) {
	ctx, cancel := cl.reqCtx(ctx)
	defer cancel()
	v, err := cl.reg.wait(ctx, ticket)
	cl.mu.Lock()
	idle := len(cl.callbacks) == 0
	cl.mu.Unlock()
	cl.reg.trimIfQuiescent(idle)
	return v, err
}

func (cl *Client) reqCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || cl.cfg.defaultTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, cl.cfg.defaultTimeout)
}

func (cl *Client) log(level LogLevel, msg string, keyvals ...interface{}) {
	l := cl.loggerv.Load().(loggerBox).l
	if l.Level() >= level {
		l.Log(level, msg, keyvals...)
	}
}
