package transfer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// Sink receives the bytes of an incoming transfer strictly in order.
type Sink interface {
	Write(p []byte) error
	// Size is the number of bytes committed so far.
	Size() int64
	// Sync makes every committed byte durable.
	Sync() error
	// Digest hashes the committed bytes. It may run off the event loop while
	// no Write is in progress.
	Digest() ([]byte, error)
	// Commit finalizes the file and returns where it was stored.
	Commit() (string, error)
	// Discard drops everything received.
	Discard() error
	// Close releases resources, keeping received data for a later resume.
	Close() error
}

// MemorySink buffers the whole file and writes it out once on Commit.
type MemorySink struct {
	dir  string
	name string
	buf  bytes.Buffer
}

func NewMemorySink(dir, name string) *MemorySink {
	return &MemorySink{dir: dir, name: name}
}

func (s *MemorySink) Write(p []byte) error {
	_, err := s.buf.Write(p)
	return err
}

func (s *MemorySink) Size() int64 { return int64(s.buf.Len()) }

func (s *MemorySink) Sync() error { return nil }

func (s *MemorySink) Digest() ([]byte, error) {
	return HashBytes(s.buf.Bytes()), nil
}

func (s *MemorySink) Bytes() []byte { return s.buf.Bytes() }

func (s *MemorySink) Commit() (string, error) {
	if s.dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	path := finalPath(s.dir, s.name)
	if err := os.WriteFile(path, s.buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *MemorySink) Discard() error {
	s.buf = bytes.Buffer{}
	return nil
}

func (s *MemorySink) Close() error { return nil }

// DiskSink streams into <dir>/<transferID>.part and renames it into place
// on Commit.
type DiskSink struct {
	dir  string
	name string
	path string
	f    *os.File
	size int64
}

// OpenDiskSink opens the part file for transferID. A non-zero resumeAt
// reopens an existing part file and drops anything past that offset.
func OpenDiskSink(dir, transferID, name string, resumeAt int64) (*DiskSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := partPath(dir, transferID)

	flags := os.O_RDWR | os.O_CREATE
	if resumeAt == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	if resumeAt > 0 {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if info.Size() < resumeAt {
			_ = f.Close()
			return nil, fmt.Errorf("%w: part file has %d bytes, checkpoint says %d",
				ErrIntegrityMismatch, info.Size(), resumeAt)
		}
		if err := f.Truncate(resumeAt); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	return &DiskSink{dir: dir, name: name, path: path, f: f, size: resumeAt}, nil
}

func (s *DiskSink) Write(p []byte) error {
	if _, err := s.f.WriteAt(p, s.size); err != nil {
		return err
	}
	s.size += int64(len(p))
	return nil
}

func (s *DiskSink) Size() int64 { return s.size }

func (s *DiskSink) Sync() error { return s.f.Sync() }

func (s *DiskSink) Digest() ([]byte, error) {
	return HashFile(s.f, s.size)
}

func (s *DiskSink) Path() string { return s.path }

func (s *DiskSink) Commit() (string, error) {
	if err := s.f.Sync(); err != nil {
		return "", err
	}
	if err := s.f.Close(); err != nil {
		return "", err
	}
	dest := finalPath(s.dir, s.name)
	if err := os.Rename(s.path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *DiskSink) Discard() error {
	_ = s.f.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *DiskSink) Close() error {
	return s.f.Close()
}

var (
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*DiskSink)(nil)
)

func downloadDir(dir string) string {
	if dir == "" {
		return "."
	}
	return filepath.Clean(dir)
}
