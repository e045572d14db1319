package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fexd/fexd/internal/config"
	"github.com/fexd/fexd/internal/idmap"
	"github.com/fexd/fexd/internal/reconnect"
	"github.com/fexd/fexd/internal/session"
	"github.com/fexd/fexd/internal/version"
	"github.com/fexd/fexd/internal/watchpoint"
	"github.com/fexd/fexd/internal/wire"
)

// Daemon owns every watchpoint this fexd serves (exported, importable by
// peers) or imports (pulled in from a remote fexd), and drives their
// watchers, the accept loop, and the reconnect driver concurrently.
type Daemon struct {
	cfg      *config.Config
	noLocks  bool
	exported map[string]*watchpoint.WatchPoint // keyed by export name
	pool     *reconnect.ConnectionPool
}

// NewDaemon loads configuration and constructs every configured
// WatchPoint; it does not yet watch or listen.
func NewDaemon(configPath string, noLocks bool) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	exported := make(map[string]*watchpoint.WatchPoint)
	for _, wpc := range cfg.WatchPointConfigs() {
		wp, err := watchpoint.New(wpc, cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("daemon: create watchpoint %s: %w", wpc.Dir, err)
		}
		if wpc.Export != "" {
			exported[wpc.Export] = wp
		}
	}

	return &Daemon{
		cfg:      cfg,
		noLocks:  noLocks,
		exported: exported,
		pool:     reconnect.NewConnectionPool(),
	}, nil
}

// Run starts every watchpoint's fsnotify watcher, the inbound accept
// loop, and the import reconnect driver, stopping all of them together
// when ctx is canceled or any one fails.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, wp := range d.exported {
		wp := wp
		g.Go(func() error {
			w, err := watchpoint.NewWatcher(wp)
			if err != nil {
				return fmt.Errorf("daemon: watcher for %s: %w", wp.Dir(), err)
			}
			slog.Info("daemon: watching", "dir", wp.Dir(), "export", wp.Export())
			return w.Run(gctx)
		})
	}

	if len(d.cfg.Imports) > 0 {
		g.Go(func() error { return d.runImports(gctx) })
	}

	g.Go(func() error { return d.serve(gctx) })

	return g.Wait()
}

// serve accepts inbound connections on the configured port and drives
// each one's framed read loop, registering a ConnectedWatchPoint per
// MsgRegisterWatchPoint request against a matching exported WatchPoint.
func (d *Daemon) serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+d.cfg.Port)
	if err != nil {
		return fmt.Errorf("daemon: listen on port %s: %w", d.cfg.Port, err)
	}
	slog.Info("daemon: listening", "port", d.cfg.Port)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}
		go d.handleConn(ctx, netConn)
	}
}

func (d *Daemon) handleConn(ctx context.Context, netConn net.Conn) {
	conn := wire.NewConnection(netConn)
	conn.LocksDisabled = d.noLocks
	defer conn.Close()

	if err := conn.Handshake(true, version.Banner()); err != nil {
		slog.Warn("daemon: handshake failed", "remote", netConn.RemoteAddr(), "error", err)
		return
	}

	dirs := &wpDirIndex{m: make(map[uint8]string)}

	conn.OnRegisterWatchPoint = func(f *wire.Frame) (wire.FrameHandler, error) {
		name := string(f.Data)
		wp, ok := d.exported[name]
		if !ok {
			return nil, fmt.Errorf("daemon: no exported watchpoint named %q", name)
		}
		id := uuid.NewString()
		s := session.New(id, wp, conn, f.WPID, idmap.Identity(), wp.TmpDir())
		wp.AttachSession(s)
		dirs.set(f.WPID, wp.Dir())
		return s, nil
	}

	if err := conn.Run(ctx, dirs.resolve); err != nil {
		slog.Debug("daemon: connection closed", "remote", netConn.RemoteAddr(), "error", err)
	}
}

// wpDirIndex maps a connection-local watchpoint id to its absolute
// directory, the minimal state conn.Run's resolvePath callback needs to
// answer lock-file requests.
type wpDirIndex struct {
	mu sync.RWMutex
	m  map[uint8]string
}

func (x *wpDirIndex) set(wpID uint8, dir string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.m[wpID] = dir
}

func (x *wpDirIndex) resolve(wpID uint8, relPath string) (string, bool) {
	x.mu.RLock()
	dir, ok := x.m[wpID]
	x.mu.RUnlock()
	if !ok {
		return "", false
	}
	return dir + "/" + relPath, true
}

// runImports builds the reconnect.Import list from configured `import`
// blocks and drives the ImportDriver until ctx is done.
func (d *Daemon) runImports(ctx context.Context) error {
	imports := make([]reconnect.Import, 0, len(d.cfg.Imports))
	byKey := make(map[string]config.ImportConfig)
	for _, imp := range d.cfg.Imports {
		key := imp.Key()
		byKey[key] = imp
		imports = append(imports, reconnect.Import{
			Key:           key,
			SSH:           imp.SSH,
			Server:        imp.Server,
			Gateway:       imp.Gateway,
			User:          imp.User,
			Port:          imp.Port,
			WatchPointDir: imp.Dir,
			Name:          imp.Name,
		})
	}

	dirsByConn := &connDirRegistry{m: make(map[*wire.Connection]*wpDirIndex)}
	var nextWPID uint8

	register := func(ri reconnect.Import, conn *wire.Connection, fresh bool) error {
		impCfg := byKey[ri.Key]

		wpCfg := watchpoint.Config{Dir: impCfg.Dir, Export: "", ReadOnly: false}
		wp, err := watchpoint.New(wpCfg, d.cfg.StateDir)
		if err != nil {
			return fmt.Errorf("daemon: create import watchpoint %s: %w", impCfg.Dir, err)
		}

		w, err := watchpoint.NewWatcher(wp)
		if err != nil {
			return fmt.Errorf("daemon: watcher for import %s: %w", impCfg.Dir, err)
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				slog.Debug("daemon: import watcher stopped", "dir", impCfg.Dir, "error", err)
			}
		}()

		wpID := nextWPID
		nextWPID++

		dirs := dirsByConn.get(conn)
		dirs.set(wpID, wp.Dir())

		id := uuid.NewString()
		cwp := session.NewClient(id, wp, conn, wpID, impCfg.Translator(), wp.TmpDir(), func() {
			slog.Info("daemon: import session closed", "import", ri.Key)
		})
		wp.AttachSession(cwp)

		if err := conn.RegisterSession(wpID, cwp); err != nil {
			return fmt.Errorf("daemon: register import session: %w", err)
		}

		if fresh {
			go func() {
				if err := conn.Run(ctx, dirs.resolve); err != nil {
					slog.Debug("daemon: import connection closed", "import", ri.Key, "error", err)
				}
			}()
		}

		payload := []byte(impCfg.Name)
		return conn.Send(wire.MsgRegisterWatchPoint, wpID, payload)
	}

	driver := reconnect.NewImportDriver(imports, d.pool, version.Banner(), d.noLocks, register)
	driver.Start(ctx)
	<-ctx.Done()
	driver.Stop()
	return ctx.Err()
}

// connDirRegistry hands out one wpDirIndex per live *wire.Connection, so
// every import sharing a gateway's connection shares a single resolvePath
// closure.
type connDirRegistry struct {
	mu sync.Mutex
	m  map[*wire.Connection]*wpDirIndex
}

func (r *connDirRegistry) get(conn *wire.Connection) *wpDirIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.m[conn]; ok {
		return idx
	}
	idx := &wpDirIndex{m: make(map[uint8]string)}
	r.m[conn] = idx
	return idx
}
