package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisCacheFromAddr(mr.Addr())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got != "v" {
		t.Errorf("got %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	c, _ := newTestCache(t)

	if _, err := c.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	in := []float64{0.1, 0.2, 0.3}
	if err := c.SetJSON(ctx, "vec", in, time.Minute); err != nil {
		t.Fatal(err)
	}

	var out []float64
	if err := c.GetJSON(ctx, "vec", &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[1] != 0.2 {
		t.Errorf("got %v", out)
	}
}

func TestExpiration(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "ttl", "v", time.Second); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := c.Get(ctx, "ttl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expiry, got %v", err)
	}
}

func TestDeleteAndIncrement(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "gone", "v", 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	n, err := c.Increment(ctx, "counter")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("first increment = %d", n)
	}
	if n, _ = c.Increment(ctx, "counter"); n != 2 {
		t.Errorf("second increment = %d", n)
	}
}

func TestSetNX(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "once", "first", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX should win: ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "once", "second", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX should lose: ok=%v err=%v", ok, err)
	}
}
