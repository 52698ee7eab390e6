package challenge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halyard-sh/halyard/internal/session"
)

const testIP = "203.0.113.9"

func newTestIssuer(t *testing.T) (*Issuer, session.Store) {
	t.Helper()
	store := session.NewMemoryStore()
	_ = store.Set(context.Background(), "sid", &session.Record{UserID: "u1", Email: "u1@example.com"}, 0)
	iss := NewIssuer(store, 30*time.Second, 24*time.Hour, zerolog.Nop())
	return iss, store
}

func TestIssueWritesSessionRecord(t *testing.T) {
	iss, store := newTestIssuer(t)
	ctx := context.Background()

	token, ttl, err := iss.Issue(ctx, "sid", testIP)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(token) != tokenBytes*2 {
		t.Fatalf("expected %d hex chars, got %d", tokenBytes*2, len(token))
	}
	if ttl != 30*time.Second {
		t.Fatalf("ttl = %v", ttl)
	}

	rec, _ := store.Get(ctx, "sid")
	if rec.Token != token || rec.TokenIP != testIP {
		t.Fatalf("session record not updated: %+v", rec)
	}
	if !rec.TokenExpiry.After(time.Now()) {
		t.Fatal("expiry must be in the future")
	}
}

func TestIssueRequiresAuthenticatedSession(t *testing.T) {
	iss, store := newTestIssuer(t)
	ctx := context.Background()
	_ = store.Set(ctx, "anon", &session.Record{}, 0)

	if _, _, err := iss.Issue(ctx, "anon", testIP); err == nil {
		t.Fatal("expected error for unauthenticated session")
	}
}

func TestIssueTokensAreUnique(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		token, _, err := iss.Issue(ctx, "sid", testIP)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if seen[token] {
			t.Fatal("duplicate token")
		}
		seen[token] = true
	}
}

func TestConsumeOneShot(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	token, _, _ := iss.Issue(ctx, "sid", testIP)

	if !iss.Consume(ctx, "sid", token, testIP) {
		t.Fatal("first consume should succeed")
	}
	if iss.Consume(ctx, "sid", token, testIP) {
		t.Fatal("second consume must fail")
	}
}

func TestConsumeParallelSingleWinner(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()
	token, _, _ := iss.Issue(ctx, "sid", testIP)

	var wg sync.WaitGroup
	results := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- iss.Consume(ctx, "sid", token, testIP)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestConsumeIPBinding(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()
	token, _, _ := iss.Issue(ctx, "sid", testIP)

	if iss.Consume(ctx, "sid", token, "198.51.100.1") {
		t.Fatal("consume from a different IP must fail")
	}
	// The failed attempt must not burn the token.
	if !iss.Consume(ctx, "sid", token, testIP) {
		t.Fatal("correct IP should still succeed")
	}
}

func TestConsumeExpired(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()
	token, _, _ := iss.Issue(ctx, "sid", testIP)

	current := time.Now().Add(time.Minute)
	iss.now = func() time.Time { return current }

	if iss.Consume(ctx, "sid", token, testIP) {
		t.Fatal("expired token must fail")
	}
}

func TestConsumeLengthMismatch(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()
	token, _, _ := iss.Issue(ctx, "sid", testIP)

	if iss.Consume(ctx, "sid", token[:10], testIP) {
		t.Fatal("truncated token must fail")
	}
	if iss.Consume(ctx, "sid", "", testIP) {
		t.Fatal("empty token must fail")
	}
	if iss.Consume(ctx, "sid", token+"00", testIP) {
		t.Fatal("lengthened token must fail")
	}
}

func TestConsumeWrongSession(t *testing.T) {
	iss, store := newTestIssuer(t)
	ctx := context.Background()
	_ = store.Set(ctx, "other", &session.Record{UserID: "u2"}, 0)

	token, _, _ := iss.Issue(ctx, "sid", testIP)
	if iss.Consume(ctx, "other", token, testIP) {
		t.Fatal("token is bound to its issuing session")
	}
}

func TestSweepClearsExpiredTokens(t *testing.T) {
	iss, store := newTestIssuer(t)
	ctx := context.Background()
	_, _, _ = iss.Issue(ctx, "sid", testIP)

	current := time.Now().Add(time.Minute)
	iss.now = func() time.Time { return current }

	iss.Sweep(ctx)

	if iss.IndexSize() != 0 {
		t.Fatal("index entry should be gone")
	}
	rec, _ := store.Get(ctx, "sid")
	if rec.Token != "" {
		t.Fatal("expired token should be cleared from the session record")
	}
}

func TestSweepKeepsLiveTokens(t *testing.T) {
	iss, store := newTestIssuer(t)
	ctx := context.Background()
	token, _, _ := iss.Issue(ctx, "sid", testIP)

	iss.Sweep(ctx)

	if iss.IndexSize() != 1 {
		t.Fatal("live token should stay indexed")
	}
	rec, _ := store.Get(ctx, "sid")
	if rec.Token != token {
		t.Fatal("live token must survive the sweep")
	}
}

func TestEqual(t *testing.T) {
	if !Equal("abc123", "abc123") {
		t.Fatal("equal strings")
	}
	if Equal("abc123", "abc124") || Equal("abc", "abcd") || Equal("", "") {
		t.Fatal("mismatches must fail")
	}
}
