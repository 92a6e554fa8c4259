package scan

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryDeduperWindow(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	d := NewMemoryDeduper()
	d.SetClock(clk.now)
	key := DedupeKey("WO-1", "FLOUR", "B1")
	ttl := 45 * time.Second

	steps := []struct {
		after time.Duration
		want  bool
	}{
		{0, true},
		{10 * time.Second, false},
		{34 * time.Second, false},
		{1 * time.Second, true}, // exactly 45s
		{5 * time.Second, false},
	}
	for i, s := range steps {
		clk.advance(s.after)
		got, err := d.Claim(ctx, key, ttl)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != s.want {
			t.Errorf("step %d: Claim = %v, want %v", i, got, s.want)
		}
	}

	if ok, _ := d.Claim(ctx, DedupeKey("WO-1", "FLOUR", "B2"), ttl); !ok {
		t.Error("other batch should not be suppressed")
	}
	if err := d.Release(ctx, key); err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.Claim(ctx, key, ttl); !ok {
		t.Error("released key should be claimable")
	}
}
