package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

const maxSessions = 256

// FrameHandler receives frames addressed to a single session (one
// ConnectedWatchPoint). Implemented by internal/session.
type FrameHandler interface {
	HandleFrame(f *Frame)
	// WriteBytesPending reports whether the session has buffered writes
	// of its own waiting on backpressure (consulted by AllWritten's
	// wavail fan-out); sessions with nothing pending skip the wavail
	// delivery.
	WriteBytesPending() bool
	// Wavail delivers the resume signal once the connection's write
	// buffer has drained, forwarding to the session's active dialog.
	Wavail() error
}

// Connection is a framed byte channel multiplexing up to 256 sessions by
// watchpoint id over a single net.Conn, with adaptive payload compression,
// throughput estimation, and file-lock relaying.
type Connection struct {
	conn net.Conn

	writeMu sync.Mutex
	level   int // current adaptive compression level: 0 or 4..9

	sessMu   sync.RWMutex
	sessions []FrameHandler

	speed    *speedEstimator
	locks    *lockTable
	pendingW int64 // bytes queued behind writeMu, not yet written to conn

	closeOnce sync.Once
	closed    chan struct{}

	// LocksDisabled skips advisory flock(2) relaying entirely (spec §6's
	// --no-locks), answering every lock opcode with Reject instead.
	LocksDisabled bool

	// OnRegisterWatchPoint handles a MsgRegisterWatchPoint opened on a
	// wp_id with no session yet attached: the application layer decodes
	// the requested export name from f.Data, creates the matching
	// FrameHandler (a session.ConnectedWatchPoint), and returns it to be
	// installed at f.WPID. A nil return rejects the request.
	OnRegisterWatchPoint func(f *Frame) (FrameHandler, error)
}

// NewConnection wraps conn for framed, multiplexed I/O.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		conn:     conn,
		sessions: make([]FrameHandler, 0, 8),
		speed:    newSpeedEstimator(),
		locks:    newLockTable(),
		closed:   make(chan struct{}),
	}
}

// Handshake sends (server side) or verifies (client side) the ASCII
// "NAME MAJOR.MINOR.PATCH" startup banner, matching spec §6. The client
// disconnects if the server's major.minor don't match its own.
func (c *Connection) Handshake(isServer bool, localVersion string) error {
	if isServer {
		return c.Send(MsgStart, 0, []byte(localVersion))
	}

	f, err := DecodeFrame(c.conn)
	if err != nil {
		return fmt.Errorf("wire: read banner: %w", err)
	}
	if f.Type != MsgStart {
		return fmt.Errorf("wire: expected Start banner, got %s", f.Type)
	}
	if !sameMajorMinor(string(f.Data), localVersion) {
		return fmt.Errorf("wire: server version %q incompatible with client %q", f.Data, localVersion)
	}
	return nil
}

func sameMajorMinor(a, b string) bool {
	am, an := majorMinor(a)
	bm, bn := majorMinor(b)
	return am == bm && an == bn
}

// majorMinor extracts the "MAJOR.MINOR" component of a "NAME M.m.p" banner.
func majorMinor(banner string) (string, string) {
	var name, ver string
	if _, err := fmt.Sscanf(banner, "%s %s", &name, &ver); err != nil {
		return "", ""
	}
	var major, minor, patch int
	fmt.Sscanf(ver, "%d.%d.%d", &major, &minor, &patch)
	return fmt.Sprintf("%d", major), fmt.Sprintf("%d", minor)
}

// RegisterSession grows the session vector to max(wpID+1, len) and
// installs h at wpID.
func (c *Connection) RegisterSession(wpID uint8, h FrameHandler) error {
	if int(wpID) >= maxSessions {
		return fmt.Errorf("wire: watchpoint id %d exceeds max sessions %d", wpID, maxSessions)
	}
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	for len(c.sessions) <= int(wpID) {
		c.sessions = append(c.sessions, nil)
	}
	c.sessions[wpID] = h
	return nil
}

// UnregisterSession clears the slot, e.g. on session teardown.
func (c *Connection) UnregisterSession(wpID uint8) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if int(wpID) < len(c.sessions) {
		c.sessions[wpID] = nil
	}
}

// Send encodes and writes one frame, applying the current adaptive
// compression level, and records the bytes for throughput estimation.
// pendingW tracks the bytes queued behind writeMu for the duration of the
// call, giving WriteBytesPending/AllWritten a real signal for connections
// backed by a slow net.Conn: a writer that blocks inside EncodeFrame holds
// every concurrent Send's payload length counted as "pending" until its
// turn at the lock comes up and the write returns.
func (c *Connection) Send(msgType MessageType, wpID uint8, payload []byte) error {
	atomic.AddInt64(&c.pendingW, int64(len(payload)))

	c.writeMu.Lock()
	level := c.level
	err := EncodeFrame(c.conn, msgType, wpID, payload, level)
	c.writeMu.Unlock()

	atomic.AddInt64(&c.pendingW, -int64(len(payload)))
	if err != nil {
		return err
	}
	c.speed.recordSent(len(payload))

	if atomic.LoadInt64(&c.pendingW) == 0 {
		c.AllWritten()
	}
	return nil
}

// Run drives the read loop until the connection closes or ctx is done.
// File-lock opcodes are handled directly by the Connection; everything
// else is dispatched to the session registered at the frame's wp_id, or
// answered with Reject if that slot is empty.
func (c *Connection) Run(ctx context.Context, resolvePath func(wpID uint8, relPath string) (string, bool)) error {
	defer c.Close()

	type readResult struct {
		frame *Frame
		err   error
	}
	frames := make(chan readResult, 1)

	go func() {
		for {
			f, err := DecodeFrame(c.conn)
			frames <- readResult{f, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-frames:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("wire: fatal decode error, tearing down connection: %w", res.err)
			}
			c.speed.recordReceived(len(res.frame.Data))
			c.dispatch(res.frame, resolvePath)
		}
	}
}

func (c *Connection) dispatch(f *Frame, resolvePath func(wpID uint8, relPath string) (string, bool)) {
	switch f.Type {
	case MsgCreateWriteLock, MsgCreateReadLock, MsgReleaseLock:
		if c.LocksDisabled {
			if f.Type != MsgReleaseLock {
				c.Send(MsgReject, f.WPID, f.Data)
			}
			return
		}
		c.handleLockFrame(f, resolvePath)
		return
	case MsgAdjustSpeed:
		delta := int64(binary.LittleEndian.Uint64(f.Data))
		c.adjustCompressionLevel(delta)
		return
	}

	c.sessMu.RLock()
	var h FrameHandler
	if int(f.WPID) < len(c.sessions) {
		h = c.sessions[f.WPID]
	}
	c.sessMu.RUnlock()

	if h == nil && f.Type == MsgRegisterWatchPoint && c.OnRegisterWatchPoint != nil {
		newHandler, err := c.OnRegisterWatchPoint(f)
		if err != nil || newHandler == nil {
			if err != nil {
				slog.Warn("wire: register watchpoint rejected", "wpID", f.WPID, "error", err)
			}
			if sendErr := c.Send(MsgReject, f.WPID, nil); sendErr != nil {
				slog.Warn("wire: failed to send reject for register watchpoint", "wpID", f.WPID, "error", sendErr)
			}
			return
		}
		if err := c.RegisterSession(f.WPID, newHandler); err != nil {
			slog.Warn("wire: failed to register new session", "wpID", f.WPID, "error", err)
			return
		}
		if err := c.Send(MsgAccept, f.WPID, nil); err != nil {
			slog.Warn("wire: failed to send accept for register watchpoint", "wpID", f.WPID, "error", err)
		}
		return
	}

	if h == nil {
		if err := c.Send(MsgReject, f.WPID, nil); err != nil {
			slog.Warn("wire: failed to send reject for unknown session", "wpID", f.WPID, "error", err)
		}
		return
	}
	h.HandleFrame(f)
}

// AllWritten delivers the wavail resume signal to every attached session
// whose handler reports pending writes, called by Send once the queue of
// writes it was competing against has fully drained.
func (c *Connection) AllWritten() {
	c.sessMu.RLock()
	handlers := make([]FrameHandler, 0, len(c.sessions))
	for _, h := range c.sessions {
		if h != nil && h.WriteBytesPending() {
			handlers = append(handlers, h)
		}
	}
	c.sessMu.RUnlock()

	for _, h := range handlers {
		if err := h.Wavail(); err != nil {
			slog.Warn("wire: wavail delivery failed", "error", err)
		}
	}
}

// WriteBytesPending reports whether the connection still has writes
// queued behind writeMu.
func (c *Connection) WriteBytesPending() bool {
	return atomic.LoadInt64(&c.pendingW) > 0
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.releaseAll()
		err = c.conn.Close()
	})
	return err
}

// adjustCompressionLevel reacts to a peer-reported AdjustSpeed delta:
// below 1 Mbit/s, raise level on improvement or level==0 (start at 4,
// cap 9), lower it (floor 4) on a shrinking low-throughput estimate;
// above 1 Mbit/s, disable compression entirely.
func (c *Connection) adjustCompressionLevel(deltaBytesPerSec int64) {
	const lowThroughputThreshold = 1_000_000 / 8 // 1 Mbit/s in bytes/sec

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	estimate := c.speed.sendRate()

	if estimate >= lowThroughputThreshold {
		c.level = 0
		return
	}

	switch {
	case deltaBytesPerSec > 0 || c.level == 0:
		if c.level == 0 {
			c.level = 4
		} else if c.level < 9 {
			c.level++
		}
	case deltaBytesPerSec < 0:
		if c.level > 4 {
			c.level--
		}
	}

	slog.Debug("wire: adjusted compression level",
		"level", c.level,
		"estimate", humanize.Bytes(uint64(max64(estimate, 0)))+"/s",
	)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// speedEstimator accumulates bytes over a measurement window and reports
// whether the new estimate deviates from the last reported value by more
// than 20%, the trigger for emitting AdjustSpeed.
type speedEstimator struct {
	mu           sync.Mutex
	windowStart  time.Time
	windowBytes  int64
	sentBytes    int64
	lastReported int64
}

func newSpeedEstimator() *speedEstimator {
	return &speedEstimator{windowStart: time.Now()}
}

func (s *speedEstimator) recordReceived(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowBytes += int64(n)
}

func (s *speedEstimator) recordSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentBytes += int64(n)
}

// sendRate returns bytes/sec sent since the window opened.
func (s *speedEstimator) sendRate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.windowStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(s.sentBytes) / elapsed)
}

// closeWindow computes the received bytes/sec over the window and resets
// it. If the new estimate deviates from the last reported value by more
// than 20%, it returns (rate - lastReported, true) so the caller can emit
// AdjustSpeed with that delta; the first non-zero window reports
// (rate, true). Otherwise it returns (rate, false).
func (s *speedEstimator) closeWindow() (rate int64, shouldReport bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.windowStart).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	rate = int64(float64(s.windowBytes) / elapsed)

	s.windowStart = time.Now()
	s.windowBytes = 0
	s.sentBytes = 0

	if s.lastReported == 0 {
		s.lastReported = rate
		return rate, rate > 0
	}

	deviation := float64(rate-s.lastReported) / float64(s.lastReported)
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > 0.20 {
		delta := rate - s.lastReported
		s.lastReported = rate
		return delta, true
	}
	return rate, false
}

// RunSpeedReporting periodically closes the measurement window and sends
// AdjustSpeed to the peer when throughput has moved meaningfully. interval
// bounds one "transfer window" per spec §4.7.
func (c *Connection) RunSpeedReporting(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			delta, shouldReport := c.speed.closeWindow()
			if !shouldReport {
				continue
			}
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(delta))
			if err := c.Send(MsgAdjustSpeed, 0, buf[:]); err != nil {
				slog.Warn("wire: failed to send AdjustSpeed", "error", err)
			}
		}
	}
}
