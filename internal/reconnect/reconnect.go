// Package reconnect implements the ImportDriver described in spec §4.9:
// a round-robin timer that walks configured imports, establishing (or
// reusing) a ClientConnection per gateway and registering watchpoints on
// it, backing off exponentially when a round makes no progress.
package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/fexd/fexd/internal/tunnel"
	"github.com/fexd/fexd/internal/wire"
)

const (
	sshStartupBackoff  = 10 * time.Second
	minBackoff         = 20 * time.Second
	maxBackoff         = 10 * time.Minute
	recentFailureReset = 2 * time.Minute
)

// Import describes one configured `import` block (spec §6).
type Import struct {
	Key         string // user@gateway/server:port
	SSH         bool
	Server      string
	Gateway     string
	User        string
	Port        string
	WatchPointDir string
	Name        string // remote export name
}

// ConnectResult mirrors the three outcomes of spec §4.9's connect(ssh,
// ...): a transport is still coming up, a transport is ready to register
// watchpoints on, or the attempt failed outright.
type ConnectResult struct {
	Failed     bool
	SSHStarted bool
	Connected  bool
	Fresh      bool // true the first time this *wire.Connection is returned
	Conn       *wire.Connection
}

// ClientConnection pairs a live wire.Connection with the SSH tunnel (if
// any) backing it, keyed by gateway.
type ClientConnection struct {
	Key    string
	Conn   *wire.Connection
	Tunnel *tunnel.Tunnel
}

// ConnectionPool is the process-wide map of gateway key -> live
// connection, replacing the teacher's ad hoc singleton with an
// explicitly-passed context object per spec §9's design note.
type ConnectionPool struct {
	mu    sync.Mutex
	conns map[string]*ClientConnection
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{conns: make(map[string]*ClientConnection)}
}

func (p *ConnectionPool) get(key string) (*ClientConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cc, ok := p.conns[key]
	return cc, ok
}

func (p *ConnectionPool) put(key string, cc *ClientConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[key] = cc
}

func (p *ConnectionPool) remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, key)
}

// RegisterFunc registers a watchpoint on a connected transport, e.g. by
// creating and attaching a session.ClientWatchPoint. fresh is true the
// first time this transport is handed to the callback, telling it to
// also start the connection's read loop.
type RegisterFunc func(imp Import, conn *wire.Connection, fresh bool) error

// ImportDriver owns the reconnect timer and round-robins over the
// configured imports.
type ImportDriver struct {
	imports      []Import
	pool         *ConnectionPool
	register     RegisterFunc
	localVersion string
	noLocks      bool

	mu          sync.Mutex
	idx         int
	backoff     time.Duration
	lastFailure time.Time
	timer       *time.Timer
	done        map[string]bool
}

func NewImportDriver(imports []Import, pool *ConnectionPool, localVersion string, noLocks bool, register RegisterFunc) *ImportDriver {
	return &ImportDriver{
		imports:      imports,
		pool:         pool,
		register:     register,
		localVersion: localVersion,
		noLocks:      noLocks,
		backoff:      minBackoff,
		done:         make(map[string]bool),
	}
}

// Start kicks off the first round immediately.
func (d *ImportDriver) Start(ctx context.Context) {
	d.runRound(ctx)
}

// Stop cancels any pending reconnect timer.
func (d *ImportDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// runRound walks the configured imports starting at d.idx, connecting or
// reusing a ClientConnection per gateway, and registering the watchpoint
// on success, per spec §4.9.
func (d *ImportDriver) runRound(ctx context.Context) {
	d.mu.Lock()
	n := len(d.imports)
	d.mu.Unlock()
	if n == 0 {
		return
	}

	madeProgress := false

	for i := 0; i < n; i++ {
		d.mu.Lock()
		imp := d.imports[d.idx]
		d.idx = (d.idx + 1) % n
		d.mu.Unlock()

		if d.done[imp.Key] {
			continue
		}

		result := d.connect(ctx, imp)
		switch {
		case result.Failed:
			continue
		case result.SSHStarted:
			d.arm(ctx, sshStartupBackoff)
			return
		case result.Connected:
			if err := d.register(imp, result.Conn, result.Fresh); err != nil {
				slog.Warn("reconnect: register watchpoint failed", "import", imp.Key, "error", err)
				continue
			}
			d.done[imp.Key] = true
			madeProgress = true
		}
	}

	d.mu.Lock()
	if madeProgress {
		d.lastFailure = time.Time{}
		d.backoff = minBackoff
	} else if time.Since(d.lastFailure) < recentFailureReset {
		d.backoff = minBackoff
	} else {
		d.backoff *= 2
		if d.backoff > maxBackoff {
			d.backoff = maxBackoff
		}
		d.lastFailure = time.Now()
	}
	next := d.backoff
	d.mu.Unlock()

	d.arm(ctx, next)
}

func (d *ImportDriver) arm(ctx context.Context, delay time.Duration) {
	slog.Debug("reconnect: arming next round", "delay", delay, "bytes_pool", humanize.Comma(int64(len(d.imports))))
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, func() { d.runRound(ctx) })
	d.mu.Unlock()
}

// freeLocalPort asks the kernel for an ephemeral port by binding a
// throwaway listener and reading back its address, the idiomatic Go
// equivalent of the original daemon's findFreeListenPort() bind-probe
// loop (_examples/original_source/src/connection.cpp). The listener is
// closed immediately; ssh -L rebinds the same port moments later.
func freeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reconnect: find free local port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// connect implements spec §4.9's connect(ssh, ...): fetch or create a
// ClientConnection for the import's gateway key, starting an SSH tunnel
// first when the import requires one.
func (d *ImportDriver) connect(ctx context.Context, imp Import) ConnectResult {
	if cc, ok := d.pool.get(imp.Key); ok {
		return ConnectResult{Connected: true, Conn: cc.Conn}
	}

	var dialAddr string
	var t *tunnel.Tunnel

	if imp.SSH {
		localPort, err := freeLocalPort()
		if err != nil {
			slog.Warn("reconnect: no free local port for ssh tunnel", "import", imp.Key, "error", err)
			return ConnectResult{Failed: true}
		}
		t = tunnel.New(tunnel.Config{
			SSHCommand:  "/usr/bin/ssh",
			User:        imp.User,
			Gateway:     imp.Gateway,
			GatewayPort: imp.Port,
			LocalPort:   localPort,
			Server:      imp.Server,
			RemotePort:  imp.Port,
		})
		if err := t.Start(ctx); err != nil {
			slog.Warn("reconnect: ssh tunnel failed to start", "import", imp.Key, "error", err)
			return ConnectResult{Failed: true}
		}
		if !t.Ready(2 * time.Second) {
			return ConnectResult{SSHStarted: true}
		}
		dialAddr = t.LocalAddr()
	} else {
		dialAddr = net.JoinHostPort(imp.Server, imp.Port)
	}

	netConn, err := net.DialTimeout("tcp", dialAddr, 5*time.Second)
	if err != nil {
		return ConnectResult{Failed: true}
	}

	conn := wire.NewConnection(netConn)
	conn.LocksDisabled = d.noLocks
	if err := conn.Handshake(false, d.localVersion); err != nil {
		slog.Warn("reconnect: handshake failed", "import", imp.Key, "error", err)
		conn.Close()
		return ConnectResult{Failed: true}
	}

	cc := &ClientConnection{Key: imp.Key, Conn: conn, Tunnel: t}
	d.pool.put(imp.Key, cc)
	return ConnectResult{Connected: true, Fresh: true, Conn: conn}
}

// RunAll is a convenience for an orchestrator that wants to drive every
// connected pool member's read loop concurrently and stop at the first
// fatal error, using an errgroup the way the pack's fan-out code does.
func RunAll(ctx context.Context, pool *ConnectionPool, run func(ctx context.Context, cc *ClientConnection) error) error {
	g, gctx := errgroup.WithContext(ctx)
	pool.mu.Lock()
	conns := make([]*ClientConnection, 0, len(pool.conns))
	for _, cc := range pool.conns {
		conns = append(conns, cc)
	}
	pool.mu.Unlock()

	for _, cc := range conns {
		cc := cc
		g.Go(func() error { return run(gctx, cc) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reconnect: connection group: %w", err)
	}
	return nil
}
