package guard

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestCheckAndRecordReplaysWithoutRecomputing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewMemoryGuard(time.Minute, clock)
	ctx := context.Background()

	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte(`{"ok":true}`), nil
	}

	resp, replayed, err := g.CheckAndRecord(ctx, "alice", "markCell", "req-1", compute)
	if err != nil {
		t.Fatal(err)
	}
	if replayed {
		t.Fatal("first delivery should not be a replay")
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("resp = %s", resp)
	}

	resp, replayed, err = g.CheckAndRecord(ctx, "alice", "markCell", "req-1", compute)
	if err != nil {
		t.Fatal(err)
	}
	if !replayed {
		t.Fatal("second delivery should replay the recorded response")
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("replayed resp = %s", resp)
	}
	if calls != 1 {
		t.Fatalf("compute ran %d times, want 1", calls)
	}
}

func TestCheckAndRecordKeysAreScoped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewMemoryGuard(time.Minute, clock)
	ctx := context.Background()

	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte("x"), nil
	}

	_, _, _ = g.CheckAndRecord(ctx, "alice", "markCell", "req-1", compute)
	_, _, _ = g.CheckAndRecord(ctx, "bob", "markCell", "req-1", compute)
	_, _, _ = g.CheckAndRecord(ctx, "alice", "claimBingo", "req-1", compute)
	if calls != 3 {
		t.Fatalf("distinct actors/actions must not collide: %d computes", calls)
	}
}

func TestCheckAndRecordExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewMemoryGuard(time.Minute, clock)
	ctx := context.Background()

	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte("x"), nil
	}

	_, _, _ = g.CheckAndRecord(ctx, "alice", "markCell", "req-1", compute)
	clock.Advance(61 * time.Second)
	_, replayed, _ := g.CheckAndRecord(ctx, "alice", "markCell", "req-1", compute)
	if replayed {
		t.Fatal("expired record should not replay")
	}
	if calls != 2 {
		t.Fatalf("compute ran %d times, want 2", calls)
	}
}

func TestCheckAndRecordComputeErrorNotRecorded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewMemoryGuard(time.Minute, clock)
	ctx := context.Background()

	boom := func() ([]byte, error) { return nil, context.DeadlineExceeded }
	if _, _, err := g.CheckAndRecord(ctx, "alice", "markCell", "req-1", boom); err == nil {
		t.Fatal("expected compute error to surface")
	}
	// Retry after a transient failure must recompute.
	resp, replayed, err := g.CheckAndRecord(ctx, "alice", "markCell", "req-1", func() ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil || replayed || string(resp) != "ok" {
		t.Fatalf("retry after failure: resp=%s replayed=%v err=%v", resp, replayed, err)
	}
}

func TestIsRateLimited(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewMemoryGuard(time.Minute, clock)
	ctx := context.Background()

	window := time.Second
	for i := 0; i < 3; i++ {
		limited, err := g.IsRateLimited(ctx, "alice", "markCell", window, 3)
		if err != nil {
			t.Fatal(err)
		}
		if limited {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		clock.Advance(100 * time.Millisecond)
	}

	limited, _ := g.IsRateLimited(ctx, "alice", "markCell", window, 3)
	if !limited {
		t.Fatal("fourth attempt inside the window should be limited")
	}

	// Other actors are unaffected.
	limited, _ = g.IsRateLimited(ctx, "bob", "markCell", window, 3)
	if limited {
		t.Fatal("bob should not inherit alice's window")
	}

	// Sliding out of the window frees capacity.
	clock.Advance(2 * time.Second)
	limited, _ = g.IsRateLimited(ctx, "alice", "markCell", window, 3)
	if limited {
		t.Fatal("attempts outside the window should not count")
	}
}
