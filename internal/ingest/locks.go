package ingest

import (
	"context"
	"sync"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// LockPolicy decides what a second pipeline run for a busy user does.
type LockPolicy string

const (
	// PolicyReject fails immediately with UploadInProgress.
	PolicyReject LockPolicy = "reject"
	// PolicyBlock waits for the running pipeline, bounded by the caller's ctx.
	PolicyBlock LockPolicy = "block"
)

// Locks is the process-wide per-user mutual exclusion registry. Entries are
// created lazily and live as long as the process; the user set is small.
type Locks struct {
	policy LockPolicy

	mu    sync.Mutex
	users map[string]chan struct{}
}

func NewLocks(policy LockPolicy) *Locks {
	if policy != PolicyBlock {
		policy = PolicyReject
	}
	return &Locks{policy: policy, users: make(map[string]chan struct{})}
}

func (l *Locks) Policy() LockPolicy { return l.policy }

func (l *Locks) slot(user string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.users[user]
	if !ok {
		ch = make(chan struct{}, 1)
		l.users[user] = ch
	}
	return ch
}

// Acquire takes user's lock and returns its release func.
func (l *Locks) Acquire(ctx context.Context, user string) (func(), error) {
	ch := l.slot(user)
	var once sync.Once
	release := func() { once.Do(func() { <-ch }) }

	if l.policy == PolicyReject {
		select {
		case ch <- struct{}{}:
			return release, nil
		default:
			return nil, xerrors.NewKind(xerrors.UploadInProgress,
				"another upload for %q is in progress, retry when it finishes", user)
		}
	}

	select {
	case ch <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, xerrors.Wrapf(ctx.Err(), "waiting for upload lock of %q", user)
	}
}

// activeSet tracks staging ids owned by running pipelines so the sweeper
// leaves them alone.
type activeSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (a *activeSet) add(user, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ids == nil {
		a.ids = make(map[string]struct{})
	}
	a.ids[user+"/"+id] = struct{}{}
}

func (a *activeSet) remove(user, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ids, user+"/"+id)
}

func (a *activeSet) Active(user, id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[user+"/"+id]
	return ok
}
