package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// followPoll backs up fsnotify on filesystems that do not report writes.
const followPoll = time.Second

// Follow copies what is appended to path into w until ctx is done. It
// starts at offset, waits for the file when it does not exist yet and moves
// on to the new file after a rotation, draining the old one first.
func Follow(ctx context.Context, path string, offset int64, w io.Writer) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	t := &follower{path: filepath.Clean(path), offset: offset, w: w}
	defer t.close()
	if err := t.pump(); err != nil {
		return err
	}
	poll := time.NewTicker(followPoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		case <-poll.C:
		}
		if err := t.pump(); err != nil {
			return err
		}
	}
}

type follower struct {
	path   string
	offset int64
	f      *os.File
	w      io.Writer
}

// pump copies new bytes of the open file. When path names another file by
// now, the open one is finished and the new one is read from its start.
func (t *follower) pump() error {
	if t.f == nil {
		f, err := os.Open(t.path)
		if errors.Is(err, fs.ErrNotExist) {
			// whatever appears later is a new file
			t.offset = 0
			return nil
		}
		if err != nil {
			return err
		}
		t.f = f
	}
	if err := t.copy(); err != nil {
		return err
	}
	cur, err := os.Stat(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		// renamed away; the replacement shows up with a create event
		return nil
	}
	if err != nil {
		return err
	}
	open, err := t.f.Stat()
	if err != nil {
		return err
	}
	switch {
	case !os.SameFile(cur, open):
		t.close()
		t.offset = 0
		return t.pump()
	case open.Size() < t.offset:
		// truncated in place
		t.offset = 0
		return t.copy()
	}
	return nil
}

func (t *follower) copy() error {
	n, err := io.Copy(t.w, io.NewSectionReader(t.f, t.offset, math.MaxInt64-t.offset))
	t.offset += n
	return err
}

func (t *follower) close() {
	if t.f != nil {
		_ = t.f.Close()
		t.f = nil
	}
}
