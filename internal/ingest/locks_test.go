package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

func TestNewLocks_DefaultsToReject(t *testing.T) {
	if got := NewLocks("").Policy(); got != PolicyReject {
		t.Fatalf("policy = %q, want reject", got)
	}
	if got := NewLocks("bogus").Policy(); got != PolicyReject {
		t.Fatalf("policy = %q, want reject", got)
	}
}

func TestLocks_RejectWhileHeld(t *testing.T) {
	l := NewLocks(PolicyReject)
	release, err := l.Acquire(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err = l.Acquire(context.Background(), "alice")
	if !xerrors.IsKind(err, xerrors.UploadInProgress) {
		t.Fatalf("err = %v, want UploadInProgress", err)
	}

	release()
	release() // idempotent

	again, err := l.Acquire(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again()
}

func TestLocks_StaleReleaseKeepsNextHolder(t *testing.T) {
	l := NewLocks(PolicyReject)
	first, err := l.Acquire(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	first()

	second, err := l.Acquire(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer second()

	first()
	if _, err := l.Acquire(context.Background(), "alice"); !xerrors.IsKind(err, xerrors.UploadInProgress) {
		t.Fatalf("err = %v, want UploadInProgress while second holds the lock", err)
	}
}

func TestLocks_UsersIndependent(t *testing.T) {
	l := NewLocks(PolicyReject)
	ra, err := l.Acquire(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer ra()
	rb, err := l.Acquire(context.Background(), "bob")
	if err != nil {
		t.Fatalf("bob blocked by alice: %v", err)
	}
	rb()
}

func TestLocks_BlockWaitsForRelease(t *testing.T) {
	l := NewLocks(PolicyBlock)
	release, err := l.Acquire(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}

	var got atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		r, err := l.Acquire(context.Background(), "alice")
		if err != nil {
			t.Errorf("blocked Acquire: %v", err)
			return
		}
		got.Store(true)
		r()
	}()

	time.Sleep(20 * time.Millisecond)
	if got.Load() {
		t.Fatal("second Acquire did not wait")
	}
	release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire never returned")
	}
	if !got.Load() {
		t.Fatal("second Acquire did not get the lock")
	}
}

func TestLocks_BlockHonorsContext(t *testing.T) {
	l := NewLocks(PolicyBlock)
	release, _ := l.Acquire(context.Background(), "alice")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx, "alice")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestActiveSet(t *testing.T) {
	var a activeSet
	if a.Active("alice", "x") {
		t.Fatal("empty set reports active")
	}
	a.add("alice", "x")
	if !a.Active("alice", "x") || a.Active("bob", "x") {
		t.Fatal("active lookup wrong")
	}
	a.remove("alice", "x")
	if a.Active("alice", "x") {
		t.Fatal("removed id still active")
	}
}
