package logger

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// backupTimeFormat is the timestamp lumberjack puts in rotated file names.
const backupTimeFormat = "2006-01-02T15-04-05.000"

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ParseStream accepts "stdout", "stderr" or "" for stdout.
func ParseStream(s string) (Stream, error) {
	switch Stream(strings.ToLower(s)) {
	case "", Stdout:
		return Stdout, nil
	case Stderr:
		return Stderr, nil
	}
	return "", fmt.Errorf("unknown stream %q", s)
}

// LogFile is one file of a service's output: the live file or a rotated
// backup.
type LogFile struct {
	Stream     Stream    `json:"stream"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	Current    bool      `json:"current"`
	Compressed bool      `json:"compressed,omitempty"`
}

// Paths returns the stdout and stderr files for name. Either is empty when
// that stream is not written to a file.
func (c FileConfig) Paths(name string) (stdout, stderr string) {
	stdout, stderr = c.StdoutPath, c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	return stdout, stderr
}

// Path returns the live file of one stream, or "" when it is not captured.
func (c FileConfig) Path(name string, s Stream) string {
	out, errp := c.Paths(name)
	if s == Stderr {
		return errp
	}
	return out
}

// Files lists the files of a service that exist on disk, each stream
// ordered oldest first with the live file last.
func (c FileConfig) Files(name string) ([]LogFile, error) {
	var out []LogFile
	for _, s := range []Stream{Stdout, Stderr} {
		p := c.Path(name, s)
		if p == "" {
			continue
		}
		files, err := rotatedSet(p)
		if err != nil {
			return nil, err
		}
		for i := range files {
			files[i].Stream = s
		}
		out = append(out, files...)
	}
	return out, nil
}

// rotatedSet finds the backups lumberjack left next to path, named
// <base>-<timestamp><ext>[.gz], followed by path itself.
func rotatedSet(path string) ([]LogFile, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(filepath.Base(path), ext) + "-"
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []LogFile
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) {
			continue
		}
		compressed := strings.HasSuffix(n, ".gz")
		plain := strings.TrimSuffix(n, ".gz")
		if !strings.HasSuffix(plain, ext) {
			continue
		}
		stamp := strings.TrimPrefix(strings.TrimSuffix(plain, ext), prefix)
		if _, err := time.Parse(backupTimeFormat, stamp); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, LogFile{Path: filepath.Join(dir, n), Size: info.Size(), ModTime: info.ModTime(), Compressed: compressed})
	}
	// the timestamp sorts lexically
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if info, err := os.Stat(path); err == nil {
		out = append(out, LogFile{Path: path, Size: info.Size(), ModTime: info.ModTime(), Current: true})
	}
	return out, nil
}

// Tail returns the last n lines across files, which are ordered oldest
// first. offset is how far the last file was read, the point to follow
// from when that file is the live one.
func Tail(files []LogFile, n int) (lines []string, offset int64, err error) {
	if len(files) == 0 || n <= 0 {
		if len(files) > 0 {
			offset = files[len(files)-1].Size
		}
		return nil, offset, nil
	}
	for i := len(files) - 1; i >= 0 && len(lines) < n; i-- {
		f := files[i]
		got, size, err := tailFile(f, n-len(lines))
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", f.Path, err)
		}
		if i == len(files)-1 {
			offset = size
		}
		lines = append(got, lines...)
	}
	return lines, offset, nil
}

// tailFile returns up to n trailing lines of one file and the size it
// read up to.
func tailFile(f LogFile, n int) ([]string, int64, error) {
	fh, err := os.Open(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		// rotated away between listing and reading
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer fh.Close()
	if f.Compressed {
		zr, err := gzip.NewReader(fh)
		if err != nil {
			return nil, 0, err
		}
		defer zr.Close()
		lines, err := lastLines(zr, n)
		return lines, f.Size, err
	}
	info, err := fh.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()
	lines, err := lastLinesAt(fh, size, n)
	return lines, size, err
}

// lastLines scans r keeping a window of n lines.
func lastLines(r io.Reader, n int) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	ring := make([]string, 0, n)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

const tailChunk = 32 * 1024

// lastLinesAt reads backwards from size in chunks until n lines are found
// or the start of the file is reached.
func lastLinesAt(r io.ReaderAt, size int64, n int) ([]string, error) {
	var buf []byte
	pos := size
	for pos > 0 {
		step := int64(tailChunk)
		if pos < step {
			step = pos
		}
		pos -= step
		chunk := make([]byte, step)
		if _, err := r.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(chunk, buf...)
		// one extra newline marks the start of the oldest wanted line
		if bytes.Count(bytes.TrimSuffix(buf, []byte("\n")), []byte("\n")) >= n {
			break
		}
	}
	text := strings.TrimSuffix(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
