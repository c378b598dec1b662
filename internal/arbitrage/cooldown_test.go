package arbitrage

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCooldown_AllowWindow(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewCooldown(5*time.Second, 0)
	c.now = clk.now

	if !c.Allow("m1") {
		t.Fatal("first signal should pass")
	}
	if c.Allow("m1") || !c.Active("m1") {
		t.Fatal("repeat within window should be suppressed")
	}
	if !c.Allow("m2") {
		t.Fatal("other markets are independent")
	}

	clk.advance(5 * time.Second)
	if c.Active("m1") {
		t.Fatal("cooldown should end at ttl")
	}
	if !c.Allow("m1") {
		t.Fatal("signal after window should pass")
	}
}

func TestCooldown_CleanupAndReset(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewCooldown(time.Second, 0)
	c.now = clk.now

	c.Allow("a")
	c.Allow("b")
	clk.advance(2 * time.Second)
	c.Allow("c")

	if n := c.Cleanup(); n != 2 {
		t.Fatalf("cleanup removed %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
	c.Reset()
	if c.Len() != 0 || c.Active("c") {
		t.Fatal("reset should clear every entry")
	}
}

func TestCooldown_BoundedEntries(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewCooldown(time.Minute, 3)
	c.now = clk.now

	for _, id := range []string{"a", "b", "c", "d"} {
		c.Allow(id)
		clk.advance(time.Second)
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	if c.Active("a") {
		t.Fatal("soonest-expiring entry should have been evicted")
	}
	if !c.Active("d") {
		t.Fatal("newest entry must survive eviction")
	}
}
