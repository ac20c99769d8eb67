package extract

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// Flatten hoists the contents of a lone top-level directory into root, so an
// archive of "mysite/index.html" publishes as "index.html". It reports
// whether anything moved. Only one level is flattened.
func Flatten(root string) (bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false, xerrors.Wrap(err, "read staging root")
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return false, nil
	}

	// dot names never survive sanitization so the temp name cannot collide
	tmp := filepath.Join(root, ".flatten-"+uuid.NewString())
	if err := os.Rename(filepath.Join(root, entries[0].Name()), tmp); err != nil {
		return false, xerrors.Wrap(err, "flatten: move root directory aside")
	}

	children, err := os.ReadDir(tmp)
	if err != nil {
		return false, xerrors.Wrap(err, "flatten: read root directory")
	}
	for _, c := range children {
		if err := os.Rename(filepath.Join(tmp, c.Name()), filepath.Join(root, c.Name())); err != nil {
			return false, xerrors.Wrapf(err, "flatten: move %q", c.Name())
		}
	}
	if err := os.Remove(tmp); err != nil {
		return false, xerrors.Wrap(err, "flatten: remove emptied directory")
	}
	return true, nil
}
