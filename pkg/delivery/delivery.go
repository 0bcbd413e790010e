package delivery

import (
	"archive/zip"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/codemug/certgate/pkg/executor"
	"github.com/codemug/certgate/pkg/jobs"
	"github.com/golang/glog"
)

// Deliverer streams a finished job directory as a zip archive and schedules
// the directory for deletion once the grace delay has passed.
type Deliverer struct {
	Root    string
	Tracker *jobs.Tracker
	Grace   time.Duration
	// OnCleanup, when set, is told whether a grace deletion removed the
	// directory.
	OnCleanup func(id string, removed bool)
}

func (d *Deliverer) dir(id string) string {
	return filepath.Join(d.Root, id)
}

// Prepare checks that id can be delivered right now and returns its files.
func (d *Deliverer) Prepare(id string) ([]jobs.Artifact, error) {
	if !jobs.ValidId(id) {
		return nil, jobs.ErrInvalidID
	}
	if d.Tracker.Running(id) {
		return nil, jobs.ErrStillProcessing
	}
	info, err := os.Stat(d.dir(id))
	if os.IsNotExist(err) || (err == nil && !info.IsDir()) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return executor.Validate(d.dir(id))
}

// Stream writes the archive for id to w. The job stays in-flight while the
// archive is written, so an earlier grace deletion cannot remove it midway.
// When ctx ends or w fails the archive is abandoned, every open file is
// closed before Stream returns, and the error is returned to the caller.
// Either way the grace deletion is scheduled.
func (d *Deliverer) Stream(ctx context.Context, w io.Writer, id string) error {
	defer d.Tracker.Deliver(id)()
	defer d.scheduleCleanup(id)

	archive := zip.NewWriter(&contextWriter{ctx: ctx, w: w})
	archive.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	root := d.dir(id)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return addFile(archive, path, filepath.ToSlash(rel))
	})
	if err != nil {
		return fmt.Errorf("archive of %s aborted: %w", id, err)
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("archive of %s aborted: %w", id, err)
	}
	return nil
}

func addFile(archive *zip.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate
	entry, err := archive.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, file)
	return err
}

func (d *Deliverer) scheduleCleanup(id string) {
	dir := d.dir(id)
	d.Tracker.Grace(id, d.Grace, func() {
		removed, err := d.Tracker.WhenIdle(id, func() error { return os.RemoveAll(dir) })
		switch {
		case !removed:
			glog.Infof("job %s is in-flight again, keeping %s", id, dir)
		case err != nil:
			glog.Errorf("failed to remove delivered job directory %s: %v", dir, err)
			removed = false
		default:
			glog.Infof("removed delivered job directory %s", dir)
		}
		if d.OnCleanup != nil {
			d.OnCleanup(id, removed)
		}
	})
}

// contextWriter refuses writes once ctx is done so a disconnected caller
// stops the archive at the next write boundary.
type contextWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *contextWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}
