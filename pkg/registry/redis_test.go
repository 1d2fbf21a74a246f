package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisAdmitter_AcrossProcesses(t *testing.T) {
	_, client := newMiniredis(t)
	ctx := context.Background()

	// Two registries sharing one Redis stand in for two processes.
	r1 := New(NewRedisAdmitter(client, "fg:session:", time.Minute))
	r2 := New(NewRedisAdmitter(client, "fg:session:", time.Minute))

	ok, err := r1.Connect(ctx, "42", acceptWith(&MockChannel{}))
	if err != nil || !ok {
		t.Fatalf("first process should admit, got %v (%v)", ok, err)
	}

	ok, err = r2.Connect(ctx, "42", acceptWith(&MockChannel{}))
	if err != nil || ok {
		t.Fatalf("second process should reject, got %v (%v)", ok, err)
	}
	if r2.Len() != 0 {
		t.Error("rejected identity must not stay reserved locally")
	}

	r1.Disconnect("42")

	ok, err = r2.Connect(ctx, "42", acceptWith(&MockChannel{}))
	if err != nil || !ok {
		t.Fatalf("identity should be free after disconnect, got %v (%v)", ok, err)
	}
}

func TestRedisAdmitter_ReleaseOnlyOwnKey(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	a := NewRedisAdmitter(client, "fg:", time.Minute)
	b := NewRedisAdmitter(client, "fg:", time.Minute)

	if ok, err := a.Acquire(ctx, "7"); err != nil || !ok {
		t.Fatalf("Acquire: %v %v", ok, err)
	}
	if err := b.Release(ctx, "7"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !mr.Exists("fg:7") {
		t.Fatal("another owner must not release the key")
	}
	if err := a.Release(ctx, "7"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if mr.Exists("fg:7") {
		t.Fatal("owner release should delete the key")
	}
}

func TestRedisAdmitter_TTLAndRefresh(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()
	a := NewRedisAdmitter(client, "fg:", time.Minute)

	if ok, _ := a.Acquire(ctx, "9"); !ok {
		t.Fatal("Acquire failed")
	}
	mr.FastForward(50 * time.Second)
	if err := a.Refresh(ctx, "9"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	mr.FastForward(50 * time.Second)
	if !mr.Exists("fg:9") {
		t.Fatal("refresh should extend the reservation")
	}

	mr.FastForward(time.Minute)
	if mr.Exists("fg:9") {
		t.Fatal("reservation should expire after ttl")
	}
	if ok, _ := a.Acquire(ctx, "9"); !ok {
		t.Fatal("expired reservation should be acquirable")
	}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	_ = client.Close()

	if _, err := NewRedisClient(context.Background(), "not a url"); err == nil {
		t.Error("expected error for invalid url")
	}
}
