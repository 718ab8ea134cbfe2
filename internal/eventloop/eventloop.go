// Package eventloop implements the broker's single-threaded reactor: the
// only place in the broker that ever blocks waiting for I/O. It accepts new
// peers, verifies their credentials, runs the handshake, and services
// existing sessions — all from one goroutine, with no worker pool and no
// background sweep task, generalized from this codebase's own ticker-driven
// sweep loops (heartbeat, transaction cleanup) into a single reactor tick
// that folds sweeping, servicing, and admission into one sequential pass.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/S3tuit/ai-db-explorer-sub000/internal/dispatch"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/frame"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/handshake"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/peercred"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/session"
)

// pollTimeoutMs bounds each blocking poll(2) call so the loop can notice
// context cancellation between ticks; it is not a per-request timeout.
const pollTimeoutMs = 200

// Config bounds the reactor's admission behavior.
type Config struct {
	RequireSharedSecret bool
	SharedSecret        handshake.Token
	HandshakeTimeout    time.Duration // e.g. 3s production, 1s test
	RequestTimeout      time.Duration // per-read timeout while servicing an active session
}

// DefaultConfig matches SPEC_FULL's production timeout targets.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 3 * time.Second,
		RequestTimeout:   30 * time.Second,
	}
}

// Loop is the broker's reactor. It owns the listening socket and the
// session table; neither is safe for use outside the loop's own goroutine.
type Loop struct {
	listener   *net.UnixListener
	listenerFD uintptr

	sessions *session.Table
	dispatch *dispatch.Dispatcher
	log      *logrus.Entry
	cfg      Config
}

// New builds a Loop over an already-bound, already-listening Unix socket.
func New(listener *net.UnixListener, sessions *session.Table, disp *dispatch.Dispatcher, log *logrus.Entry, cfg Config) (*Loop, error) {
	fd, err := fdOf(listener)
	if err != nil {
		return nil, fmt.Errorf("eventloop: listener fd: %w", err)
	}
	return &Loop{listener: listener, listenerFD: fd, sessions: sessions, dispatch: disp, log: log, cfg: cfg}, nil
}

// Run drives the reactor until ctx is cancelled. It never spawns a
// goroutine of its own.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.tick(ctx); err != nil {
			return err
		}
	}
}

// tick is one reactor iteration: build the poll set, block on it, then
// service hangups, service readable sessions, sweep expired idle entries,
// and finally accept at most one new peer — in that order, per SPEC_FULL
// §4.4 and §5.
func (l *Loop) tick(ctx context.Context) error {
	active := append([]*session.Session(nil), l.sessions.ActiveSessions()...)
	fds := make([]unix.PollFd, 0, len(active)+1)
	owners := make([]*session.Session, 0, len(active))

	for _, s := range active {
		fd, err := fdOf(s.Conn)
		if err != nil {
			// A session whose descriptor cannot be polled is as good as
			// hung up; it is moved to idle right away and left out of
			// this tick's poll set.
			l.log.WithError(err).Warn("session descriptor unavailable, moving to idle")
			_ = l.sessions.MoveToIdle(s)
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		owners = append(owners, s)
	}
	listenerSlot := len(fds)
	fds = append(fds, unix.PollFd{Fd: int32(l.listenerFD), Events: unix.POLLIN})

	n, err := unix.Poll(fds, pollTimeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("eventloop: poll: %w", err)
	}
	if n == 0 {
		return nil // timeout, nothing ready; loop checks ctx.Done() next iteration
	}

	// A single pass: a socket reporting POLLIN together with POLLHUP/POLLERR
	// (the ordinary full-close case on Linux) must be idled, not serviced —
	// MoveToIdle clears s.Conn, and serviceSession would dereference it.
	for i, s := range owners {
		if fds[i].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			l.log.WithField("session_id", sessionID(s)).Debug("session hangup")
			_ = l.sessions.MoveToIdle(s)
			continue
		}
		if fds[i].Revents&unix.POLLIN != 0 {
			l.serviceSession(s)
		}
	}

	removed := l.sessions.SweepExpired(time.Now())
	if removed > 0 {
		l.log.WithField("count", removed).Debug("swept expired idle sessions")
	}

	if fds[listenerSlot].Revents&unix.POLLIN != 0 {
		l.acceptOne(ctx)
	}

	return nil
}

// serviceSession reads exactly one request frame, dispatches it, and writes
// exactly one response frame. Any framing, timeout, or write failure drops
// the session outright rather than moving it to idle, per SPEC_FULL §4.4
// step 4.
func (l *Loop) serviceSession(s *session.Session) {
	log := l.log.WithField("session_id", sessionID(s))

	if err := s.Conn.SetReadDeadline(time.Now().Add(l.cfg.RequestTimeout)); err != nil {
		log.WithError(err).Warn("failed to arm read deadline, dropping session")
		l.dropSession(s)
		return
	}

	req, err := frame.ReadLengthPrefixed(s.Conn)
	if err != nil {
		if err == io.EOF {
			log.Debug("session closed by peer")
		} else {
			log.WithError(err).Warn("malformed or timed-out frame, dropping session")
		}
		l.dropSession(s)
		return
	}

	start := time.Now()
	resp, fatal := l.dispatch.Dispatch(context.Background(), s, req)
	log.WithField("elapsed_ms", time.Since(start).Milliseconds()).Debug("request dispatched")
	if fatal {
		l.dropSession(s)
		return
	}

	if err := frame.WriteLengthPrefixed(s.Conn, resp); err != nil {
		log.WithError(err).Warn("failed to write response frame, dropping session")
		l.dropSession(s)
		return
	}

	s.LastActiveAt = time.Now()
}

// dropSession tears the session down without preserving it in the idle
// table — the session is gone, not resumable. Using DropActive rather than
// MoveToIdle+reap avoids needlessly evicting an unrelated, genuinely
// resumable idle session just to make room for one being discarded outright.
func (l *Loop) dropSession(s *session.Session) {
	_ = l.sessions.DropActive(s)
}

// acceptOne admits at most one queued peer per tick (non-draining), runs
// peer-credential verification and the handshake, and writes exactly one
// handshake response.
func (l *Loop) acceptOne(ctx context.Context) {
	if err := l.listener.SetDeadline(time.Now().Add(1 * time.Millisecond)); err != nil {
		l.log.WithError(err).Warn("failed to arm accept deadline")
		return
	}
	conn, err := l.listener.AcceptUnix()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		l.log.WithError(err).Warn("accept failed")
		return
	}

	creds, err := peercred.Lookup(conn)
	if err != nil {
		l.log.WithError(err).Warn("peer credential lookup failed, rejecting")
		_ = conn.Close()
		return
	}
	if creds.UID != uint32(ownUID()) {
		l.log.WithField("remote_uid", creds.UID).Warn("peer uid mismatch, rejecting")
		_ = conn.Close()
		return
	}
	log := l.log.WithField("remote_uid", creds.UID)

	if err := conn.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout)); err != nil {
		log.WithError(err).Warn("failed to arm handshake deadline")
		_ = conn.Close()
		return
	}

	var buf [handshake.RequestSize]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		log.WithError(err).Warn("failed to read handshake request")
		_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
		_, _ = conn.Write(handshake.EncodeResponse(handshake.Response{Magic: handshake.Magic, Version: handshake.Version, Status: handshake.StatusBadRequest}))
		_ = conn.Close()
		return
	}
	req, err := handshake.DecodeRequest(buf[:])
	if err != nil {
		log.WithError(err).Warn("malformed handshake request")
		_ = conn.Close()
		return
	}

	resp := l.processHandshake(req, conn, log)
	if _, err := conn.Write(handshake.EncodeResponse(resp)); err != nil {
		log.WithError(err).Warn("failed to write handshake response")
		_ = conn.Close()
		return
	}
	if resp.Status != handshake.StatusOK {
		_ = conn.Close()
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.WithError(err).Warn("failed to disarm post-handshake deadline")
	}
}

func (l *Loop) processHandshake(req handshake.Request, conn *net.UnixConn, log *logrus.Entry) handshake.Response {
	base := handshake.Response{Magic: handshake.Magic, Version: handshake.Version}

	if req.Magic != handshake.Magic {
		base.Status = handshake.StatusBadMagic
		return base
	}
	if req.Version != handshake.Version {
		base.Status = handshake.StatusBadVersion
		return base
	}
	if l.cfg.RequireSharedSecret && !session.TokensEqual(req.Secret, l.cfg.SharedSecret) {
		base.Status = handshake.StatusTokenUnknown
		return base
	}

	if req.Resume() {
		s, ok := l.sessions.FindIdleByToken(req.ResumeToken)
		if !ok {
			base.Status = handshake.StatusTokenUnknown
			return base
		}
		if reason := l.sessions.CheckExpiry(s, time.Now()); reason != session.NotExpired {
			l.sessions.ReapIdleByToken(req.ResumeToken)
			base.Status = handshake.StatusTokenExpired
			return base
		}
		if err := l.sessions.Resume(s, conn); err != nil {
			base.Status = handshake.StatusFull
			return base
		}
		log.WithField("session_id", sessionID(s)).Info("session resumed")
		return l.okResponse(s)
	}

	s, err := l.sessions.EmplaceActive(conn)
	if err != nil {
		base.Status = handshake.StatusFull
		return base
	}
	log.WithField("session_id", sessionID(s)).Info("session admitted")
	return l.okResponse(s)
}

func (l *Loop) okResponse(s *session.Session) handshake.Response {
	return handshake.Response{
		Magic:       handshake.Magic,
		Version:     handshake.Version,
		Status:      handshake.StatusOK,
		ResumeToken: s.ResumeToken,
		IdleTTLSecs: uint32(l.sessions.IdleTTL().Seconds()),
		AbsTTLSecs:  uint32(l.sessions.AbsoluteTTL().Seconds()),
	}
}

func sessionID(s *session.Session) string {
	return fmt.Sprintf("%x", s.ResumeToken[:4])
}

// syscallConner is implemented by *net.UnixConn and *net.UnixListener.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// fdOf extracts the raw file descriptor backing v for use with poll(2). The
// descriptor stays valid for as long as the caller holds a reference to v,
// which the session table and the listener both do for the lifetime of a
// poll set built from them.
func fdOf(v interface{}) (uintptr, error) {
	sc, ok := v.(syscallConner)
	if !ok {
		return 0, fmt.Errorf("eventloop: %T does not expose a raw descriptor", v)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	if err := raw.Control(func(f uintptr) { fd = f }); err != nil {
		return 0, err
	}
	return fd, nil
}

// ownUID is the broker process's effective user id, compared against each
// connecting peer's credentials during admission.
func ownUID() int { return os.Geteuid() }
