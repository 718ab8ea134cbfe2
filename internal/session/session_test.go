package session

import (
	"net"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxActiveSessions: 2,
		IdleTTL:           50 * time.Millisecond,
		AbsoluteTTL:       time.Hour,
		ArenaCapBytes:     1024,
	}
}

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { _ = c2.Close() })
	return c1
}

func TestEmplaceActiveRespectsCap(t *testing.T) {
	tbl := NewTable(testConfig())
	for i := 0; i < 2; i++ {
		if _, err := tbl.EmplaceActive(pipeConn(t)); err != nil {
			t.Fatalf("emplace %d: %v", i, err)
		}
	}
	if _, err := tbl.EmplaceActive(pipeConn(t)); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestMoveToIdleAndResume(t *testing.T) {
	tbl := NewTable(testConfig())
	s, err := tbl.EmplaceActive(pipeConn(t))
	if err != nil {
		t.Fatalf("emplace: %v", err)
	}
	origToken := s.ResumeToken

	if err := tbl.MoveToIdle(s); err != nil {
		t.Fatalf("move to idle: %v", err)
	}
	stats := tbl.Stats()
	if stats.ActiveCount != 0 || stats.IdleCount != 1 {
		t.Fatalf("unexpected stats after move: %+v", stats)
	}

	found, ok := tbl.FindIdleByToken(origToken)
	if !ok || found != s {
		t.Fatalf("expected to find idle session by token")
	}

	if err := tbl.Resume(s, pipeConn(t)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if TokensEqual(s.ResumeToken, origToken) {
		t.Fatalf("expected resume to rotate the token")
	}
	if _, ok := tbl.FindIdleByToken(origToken); ok {
		t.Fatalf("old token should no longer resolve")
	}
	stats = tbl.Stats()
	if stats.ActiveCount != 1 || stats.IdleCount != 0 {
		t.Fatalf("unexpected stats after resume: %+v", stats)
	}
}

func TestIdleCapReapsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActiveSessions = 1
	cfg.MaxIdleSessions = 1
	tbl := NewTable(cfg)

	s1, _ := tbl.EmplaceActive(pipeConn(t))
	_ = tbl.MoveToIdle(s1)

	s2, err := tbl.EmplaceActive(pipeConn(t))
	if err != nil {
		t.Fatalf("emplace second: %v", err)
	}
	if err := tbl.MoveToIdle(s2); err != nil {
		t.Fatalf("move second to idle: %v", err)
	}

	if _, ok := tbl.FindIdleByToken(s1.ResumeToken); ok {
		t.Fatalf("expected oldest idle session to have been reaped")
	}
	if _, ok := tbl.FindIdleByToken(s2.ResumeToken); !ok {
		t.Fatalf("expected newest idle session to remain resumable")
	}
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	tbl := NewTable(testConfig())
	s, _ := tbl.EmplaceActive(pipeConn(t))
	_ = tbl.MoveToIdle(s)

	removed := tbl.SweepExpired(time.Now())
	if removed != 0 {
		t.Fatalf("expected nothing expired yet, removed %d", removed)
	}

	removed = tbl.SweepExpired(time.Now().Add(time.Hour))
	if removed != 1 {
		t.Fatalf("expected 1 removed after idle TTL, got %d", removed)
	}
	if tbl.Stats().IdleCount != 0 {
		t.Fatalf("expected idle table empty after sweep")
	}
}

func TestArenaCap(t *testing.T) {
	a := NewArena(16)
	if _, err := a.Alloc(16); err != nil {
		t.Fatalf("alloc at cap: %v", err)
	}
	if _, err := a.Alloc(1); err == nil {
		t.Fatalf("expected error allocating beyond cap")
	}
}
