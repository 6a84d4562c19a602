package kmutil

import (
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// WriteFile writes the collection to path. The file appears atomically: the
// bytes go to a temporary sibling that is renamed into place.
func (c *Collection) WriteFile(path string) error {
	return writeFile(path, c.Bytes)
}

func writeFile(path string, dat []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.Wrapf(err, "failed to create output directory for %s", path)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %s", path)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	n, err := f.Write(dat)
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %s (wrote %d of %d bytes)", path, n, len(dat))
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", tmp)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return errors.Wrapf(err, "failed to chmod %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to move %s into place", path)
	}
	log.WithField("size", humanize.Bytes(uint64(len(dat)))).Infof("Created %s", path)
	return nil
}
