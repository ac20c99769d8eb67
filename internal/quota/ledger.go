// Package quota tracks per-user disk usage against a fixed limit.
//
// Reserve is advisory and runs before any extraction work. Commit is the
// single authoritative write and happens only after a successful publish.
package quota

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// Reservation is the headroom available to one upload.
type Reservation struct {
	Limit     int64
	Committed int64
	// Remaining is what the upload may extract. A publish replaces the whole
	// site, so the bytes already committed are released by the swap and the
	// full limit is available.
	Remaining int64
}

// Ledger enforces a per-user limit over a Store.
type Ledger struct {
	store Store
	limit int64
}

func NewLedger(store Store, limit int64) (*Ledger, error) {
	if store == nil {
		return nil, xerrors.New("quota: nil store")
	}
	if limit <= 0 {
		return nil, xerrors.Newf("quota: limit must be positive, got %d", limit)
	}
	return &Ledger{store: store, limit: limit}, nil
}

func (l *Ledger) Limit() int64 { return l.limit }

// Usage returns the committed usage for user.
func (l *Ledger) Usage(ctx context.Context, user string) (int64, error) {
	return l.store.Usage(ctx, user)
}

// Reserve checks an upload's declared size before extraction starts. It fails
// with QuotaExceeded when the declared size alone cannot fit.
func (l *Ledger) Reserve(ctx context.Context, user string, declared int64) (Reservation, error) {
	committed, err := l.store.Usage(ctx, user)
	if err != nil {
		return Reservation{}, err
	}
	r := Reservation{Limit: l.limit, Committed: committed, Remaining: l.limit}
	if declared > r.Remaining {
		return r, xerrors.NewKind(xerrors.QuotaExceeded,
			"upload of %d bytes exceeds the %d byte quota", declared, l.limit)
	}
	return r, nil
}

// Commit records actual as the user's usage, replacing the prior value.
func (l *Ledger) Commit(ctx context.Context, user string, actual int64) error {
	if actual < 0 {
		return xerrors.Newf("quota: negative usage %d for %q", actual, user)
	}
	return l.store.SetUsage(ctx, user, actual)
}

// Ping checks the backing store when it supports it.
func (l *Ledger) Ping(ctx context.Context) error {
	if p, ok := l.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (l *Ledger) Close() error { return l.store.Close() }
