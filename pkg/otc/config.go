package otc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type cfg struct {
	addr string // as given to NewClient, possibly a url form

	host     string
	port     int
	db       string
	username string
	password string

	defaultTimeout time.Duration
	autoReconnect  int // seconds; 0 disables

	maxReadBytes int32

	logger Logger
	dialFn func(ctx context.Context, network, addr string) (net.Conn, error)
	hooks  hooks
}

func defaultCfg() cfg {
	return cfg{
		defaultTimeout: 15 * time.Second,
		maxReadBytes:   100 << 20,
		logger:         new(nopLogger),
		dialFn:         (&net.Dialer{}).DialContext,
	}
}

// finalize resolves the address forms host, host:port,
// user:password@host:port and host/db into their fields. Explicit options
// always win over fields parsed from the address.
func (c *cfg) finalize() error {
	addr := c.addr
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		if c.db == "" && i+1 < len(addr) {
			c.db = addr[i+1:]
		}
		addr = addr[:i]
	}
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		creds := addr[:i]
		addr = addr[i+1:]
		user, pass := creds, ""
		if j := strings.IndexByte(creds, ':'); j >= 0 {
			user, pass = creds[:j], creds[j+1:]
		}
		if c.username == "" {
			c.username = user
		}
		if c.password == "" {
			c.password = pass
		}
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		if c.port <= 0 {
			p, err := strconv.Atoi(addr[i+1:])
			if err != nil {
				return fmt.Errorf("opentick: invalid port in address %q", c.addr)
			}
			c.port = p
		}
		addr = addr[:i]
	}
	c.host = addr
	if c.host == "" {
		return errors.New("opentick: missing host")
	}
	if c.port <= 0 {
		c.port = 1116
	}
	return nil
}

func (c *cfg) hostPort() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Opt is an option to configure a client.
type Opt interface {
	apply(*cfg)
}

type clientOpt struct{ fn func(*cfg) }

func (o clientOpt) apply(c *cfg) { o.fn(c) }

// WithPort overrides any port parsed from the address. The default port is
// 1116.
func WithPort(port int) Opt {
	return clientOpt{func(c *cfg) { c.port = port }}
}

// WithDatabase sets the database selected after connecting, overriding any
// database parsed from the address.
func WithDatabase(db string) Opt {
	return clientOpt{func(c *cfg) { c.db = db }}
}

// WithAuth sets the credentials sent in the login command after connecting,
// overriding any credentials parsed from the address.
func WithAuth(username, password string) Opt {
	return clientOpt{func(c *cfg) { c.username, c.password = username, password }}
}

// WithDefaultTimeout bounds Start and every request whose context carries no
// deadline of its own. Zero or below waits forever. The default is 15s.
func WithDefaultTimeout(d time.Duration) Opt {
	return clientOpt{func(c *cfg) { c.defaultTimeout = d }}
}

// WithAutoReconnect makes the client redial itself the given number of
// seconds after a connection dies. Zero, the default, disables reconnecting.
func WithAutoReconnect(seconds int) Opt {
	return clientOpt{func(c *cfg) { c.autoReconnect = seconds }}
}

// WithLogger sets the client's logger. The default logger discards
// everything.
func WithLogger(l Logger) Opt {
	return clientOpt{func(c *cfg) { c.logger = l }}
}

// WithDialFn overrides how the client dials the server, primarily for tests.
func WithDialFn(fn func(ctx context.Context, network, addr string) (net.Conn, error)) Opt {
	return clientOpt{func(c *cfg) { c.dialFn = fn }}
}

// WithHooks sets hooks to call on client events. See the Hook docs.
func WithHooks(hs ...Hook) Opt {
	return clientOpt{func(c *cfg) { c.hooks = append(c.hooks, hs...) }}
}

// WithMaxReadBytes caps how large a response frame is allowed to be before
// the connection is considered broken. The default is 100MiB.
func WithMaxReadBytes(n int32) Opt {
	return clientOpt{func(c *cfg) { c.maxReadBytes = n }}
}
