package publish

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultStagingMaxAge = 15 * time.Minute

	maxSweepBackoff = time.Hour
)

// ActiveUploads reports whether an upload id still has a running pipeline.
type ActiveUploads interface {
	Active(user, id string) bool
}

// SweeperMetrics is implemented by the metrics package.
type SweeperMetrics interface {
	AddSweepRemoved(n int)
	IncSweepError()
}

type SweeperOptions struct {
	Logger     log.Logger
	StagingDir string
	// MaxAge is how old an unowned staging entry must be before removal.
	MaxAge   time.Duration
	Interval time.Duration
	Active   ActiveUploads
	Metrics  SweeperMetrics
}

// Sweeper removes staging leftovers whose pipeline is gone, e.g. after a
// crash. In-memory lock state does not survive restarts so age decides.
type Sweeper struct {
	logger   log.Logger
	dir      string
	maxAge   time.Duration
	interval time.Duration
	active   ActiveUploads
	metrics  SweeperMetrics
	now      func() time.Time

	consecutiveErrs int
}

func NewSweeper(opts *SweeperOptions) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultStagingMaxAge
	}
	return &Sweeper{
		logger:   opts.Logger,
		dir:      opts.StagingDir,
		maxAge:   maxAge,
		interval: interval,
		active:   opts.Active,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// Run sweeps once immediately, then on every interval until ctx is done.
// Intended to be launched as: go sweeper.Run(ctx)
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "staging sweeper starting",
		"interval", s.interval.String(),
		"max_age", s.maxAge.String(),
	)
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "staging sweeper stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			hadErrs := s.consecutiveErrs > 0
			if s.tick(ctx) {
				ticker.Reset(s.backoffDuration())
			} else if hadErrs {
				ticker.Reset(s.interval)
			}
		}
	}
}

// tick runs one sweep and reports whether the caller should back off.
func (s *Sweeper) tick(ctx context.Context) bool {
	removed, err := s.SweepOnce(ctx)
	if err != nil {
		s.consecutiveErrs++
		s.logger.Error(ctx, err, "staging sweep failed",
			"removed", removed,
			"consecutive_errors", s.consecutiveErrs,
		)
		return true
	}
	if s.consecutiveErrs > 0 {
		s.logger.Info(ctx, "staging sweeper recovered", "had_consecutive_errors", s.consecutiveErrs)
		s.consecutiveErrs = 0
	}
	if removed > 0 {
		s.logger.Info(ctx, "staging sweep removed stale entries", "removed", removed)
	}
	return false
}

// SweepOnce removes every stale, unowned entry under the staging dir and
// returns how many it removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	users, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		s.incError()
		return 0, xerrors.Wrap(err, "read staging dir")
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	var errs []error
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !u.IsDir() {
			continue
		}
		userDir := filepath.Join(s.dir, u.Name())
		entries, err := os.ReadDir(userDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			id := uploadID(e.Name())
			if s.active != nil && s.active.Active(u.Name(), id) {
				continue
			}
			info, err := e.Info()
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(userDir, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
			s.logger.Debug(ctx, "removed stale staging entry", "user", u.Name(), "entry", e.Name())
		}
	}

	if s.metrics != nil && removed > 0 {
		s.metrics.AddSweepRemoved(removed)
	}
	if len(errs) > 0 {
		s.incError()
		return removed, xerrors.Wrap(errors.Join(errs...), "sweep staging")
	}
	return removed, nil
}

func (s *Sweeper) incError() {
	if s.metrics != nil {
		s.metrics.IncSweepError()
	}
}

// backoffDuration doubles the interval per consecutive failure, capped.
func (s *Sweeper) backoffDuration() time.Duration {
	if s.consecutiveErrs > 16 {
		return maxSweepBackoff
	}
	d := time.Duration(float64(s.interval) * math.Pow(2, float64(s.consecutiveErrs)))
	if d > maxSweepBackoff {
		d = maxSweepBackoff
	}
	return d
}

// uploadID strips the spool and backup suffixes from a staging entry name.
func uploadID(name string) string {
	for _, suf := range []string{SpoolSuffix, BackupSuffix} {
		if s, ok := strings.CutSuffix(name, suf); ok {
			return s
		}
	}
	return name
}
