// Package publish promotes extracted staging trees to the served site
// directory and keeps the quota ledger in step with what is on disk.
//
// Layout under the data root:
//
//	sites/{user}/                 live tree, served read-only
//	staging/{user}/{id}/          extraction root of an in-flight upload
//	staging/{user}/{id}.upload    spooled upload body
//	staging/{user}/{id}.old       previous tree during a non-atomic swap
package publish

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

const (
	SpoolSuffix  = ".upload"
	BackupSuffix = ".old"
)

// Committer records authoritative usage after a publish.
type Committer interface {
	Commit(ctx context.Context, user string, actual int64) error
}

type Options struct {
	SitesDir   string
	StagingDir string
	Ledger     Committer
	Logger     log.Logger
}

// Publisher swaps staging trees into place. Callers serialize per user.
type Publisher struct {
	sites   string
	staging string
	ledger  Committer
	logger  log.Logger

	// exchange is swapped in tests to force the fallback path
	exchange func(a, b string) error
}

func New(opts Options) (*Publisher, error) {
	if opts.SitesDir == "" || opts.StagingDir == "" {
		return nil, xerrors.New("publish: sites and staging dirs are required")
	}
	if opts.Ledger == nil {
		return nil, xerrors.New("publish: ledger is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	for _, d := range []string{opts.SitesDir, opts.StagingDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, xerrors.Wrapf(err, "create %s", d)
		}
	}
	return &Publisher{
		sites:    opts.SitesDir,
		staging:  opts.StagingDir,
		ledger:   opts.Ledger,
		logger:   opts.Logger,
		exchange: exchange,
	}, nil
}

// SiteDir is the live tree for user.
func (p *Publisher) SiteDir(user string) string { return filepath.Join(p.sites, user) }

// StagingDir is the per-user scratch area, never reachable from serving.
func (p *Publisher) StagingDir(user string) string { return filepath.Join(p.staging, user) }

// NewUploadID returns a fresh id and the staging root for it. The root is
// not created.
func (p *Publisher) NewUploadID(user string) (id, root string, err error) {
	if err := os.MkdirAll(p.StagingDir(user), 0o755); err != nil {
		return "", "", xerrors.Wrap(err, "create user staging dir")
	}
	id = uuid.NewString()
	return id, filepath.Join(p.StagingDir(user), id), nil
}

// Promote makes staging the live site for user and commits its size. On
// return staging no longer exists, whatever the outcome. Readers observe the
// complete old tree or the complete new one.
func (p *Publisher) Promote(ctx context.Context, user, staging string) (size int64, err error) {
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil && err == nil {
			p.logger.Warn(ctx, "remove staging after promote", "path", staging, "error", rmErr)
		}
	}()

	size, err = DiskUsage(staging)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, xerrors.Wrap(err, "publish cancelled")
	}

	site := p.SiteDir(user)
	prev, err := p.swap(ctx, staging, site)
	if err != nil {
		return 0, err
	}

	if err := p.ledger.Commit(ctx, user, size); err != nil {
		err = xerrors.WithKind(xerrors.Wrap(err, "record site usage"), xerrors.PublishFailed)
		if rbErr := p.rollback(ctx, staging, site, prev); rbErr != nil {
			p.logger.Error(ctx, rbErr, "restore previous site after usage commit failed", "user", user)
			return size, err
		}
		p.logger.Warn(ctx, "publish rolled back, usage not recorded", "user", user, "error", err)
		return 0, err
	}
	p.logger.Info(ctx, "site published", "user", user, "bytes", size)
	return size, nil
}

// DeleteAll empties the user's site and zeroes usage by promoting an empty
// tree. Repeated calls succeed.
func (p *Publisher) DeleteAll(ctx context.Context, user string) error {
	_, root, err := p.NewUploadID(user)
	if err != nil {
		return err
	}
	if err := os.Mkdir(root, 0o755); err != nil {
		return xerrors.Wrap(err, "create empty staging tree")
	}
	_, err = p.Promote(ctx, user, root)
	return err
}

// swap puts staging at site. prev reports whether the old tree now lives
// at the staging path, where the caller's cleanup removes it.
func (p *Publisher) swap(ctx context.Context, staging, site string) (prev bool, err error) {
	_, statErr := os.Lstat(site)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		if err := os.Rename(staging, site); err != nil {
			return false, publishErr(err, "move staging into place")
		}
		return false, nil
	case statErr != nil:
		return false, publishErr(statErr, "stat site dir")
	}

	err = p.exchange(staging, site)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, errExchangeUnsupported) && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOSYS) {
		return false, publishErr(err, "exchange site dirs")
	}

	// two renames, the gap between them is the only window where the site
	// path is missing; a reader sees 404, never a mix
	backup := staging + BackupSuffix
	if err := os.RemoveAll(backup); err != nil {
		return false, publishErr(err, "clear backup path")
	}
	if err := os.Rename(site, backup); err != nil {
		return false, publishErr(err, "move old site aside")
	}
	if err := os.Rename(staging, site); err != nil {
		if rbErr := os.Rename(backup, site); rbErr != nil {
			p.logger.Error(ctx, rbErr, "restore old site after failed swap", "site", site, "backup", backup)
		}
		return false, publishErr(err, "move staging into place")
	}
	if err := os.Rename(backup, staging); err != nil {
		// new site is live, just drop the old copy where it is
		if rmErr := os.RemoveAll(backup); rmErr != nil {
			p.logger.Warn(ctx, "remove old site copy", "path", backup, "error", rmErr)
		}
		return false, nil
	}
	return true, nil
}

// rollback undoes a completed swap so the disk matches the ledger again.
// Without a previous tree the new one is taken down, leaving no site.
func (p *Publisher) rollback(ctx context.Context, staging, site string, prev bool) error {
	if !prev {
		return os.Rename(site, staging)
	}
	_, err := p.swap(ctx, staging, site)
	return err
}

func publishErr(err error, msg string) error {
	if errors.Is(err, syscall.EXDEV) {
		msg += " (staging and sites are on different filesystems)"
	}
	return xerrors.WithKind(xerrors.Wrap(err, msg), xerrors.PublishFailed)
}

// DiskUsage sums the sizes of regular files under dir. A missing dir is empty.
func DiskUsage(dir string) (int64, error) {
	var total int64
	err := walkFiles(dir, func(_ string, size int64) { total += size })
	return total, err
}

// FileInfo is one served file.
type FileInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ListFiles returns the regular files under dir sorted by slash path.
func ListFiles(dir string) ([]FileInfo, error) {
	files := []FileInfo{}
	err := walkFiles(dir, func(rel string, size int64) {
		files = append(files, FileInfo{Path: rel, Size: size})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func walkFiles(dir string, fn func(rel string, size int64)) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fn(filepath.ToSlash(rel), info.Size())
		return nil
	})
	if err != nil {
		return xerrors.Wrapf(err, "walk %s", dir)
	}
	return nil
}
