package transfer

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ReadChunk reads size bytes at offset. A short read at the end of the
// source is an error.
func ReadChunk(r io.ReaderAt, offset int64, size int) ([]byte, error) {
	data := make([]byte, size)
	n, err := r.ReadAt(data, offset)
	if n == size {
		return data, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

// HashFile returns the blake3 digest of the first size bytes of r.
func HashFile(r io.ReaderAt, size int64) ([]byte, error) {
	h := blake3.New()
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, size)); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// runningHash digests a stream written in order. Rewrites of bytes it has
// already seen are skipped; a gap leaves it unable to produce a sum.
type runningHash struct {
	h     *blake3.Hasher
	off   int64
	final []byte
}

func newRunningHash() *runningHash {
	return &runningHash{h: blake3.New()}
}

func (r *runningHash) write(offset int64, p []byte) {
	if r.h == nil || r.final != nil {
		return
	}
	if offset > r.off {
		r.h = nil
		return
	}
	skip := r.off - offset
	if skip >= int64(len(p)) {
		return
	}
	_, _ = r.h.Write(p[skip:])
	r.off += int64(len(p)) - skip
}

// follows reports whether writes from offset on still lead to a sum.
func (r *runningHash) follows(offset int64) bool {
	return r.final != nil || (r.h != nil && offset <= r.off)
}

// sum returns the digest once every byte up to size has been written.
func (r *runningHash) sum(size int64) ([]byte, bool) {
	if r.final != nil {
		return r.final, true
	}
	if r.h == nil || r.off != size {
		return nil, false
	}
	return r.h.Sum(nil), true
}

// set records a digest computed elsewhere.
func (r *runningHash) set(sum []byte) {
	r.final = sum
	r.h = nil
}

func HashBytes(b []byte) []byte {
	sum := blake3.Sum256(b)
	return sum[:]
}

func TotalChunks(fileSize int64, chunkSize int) int64 {
	if chunkSize <= 0 {
		return 0
	}
	return (fileSize + int64(chunkSize) - 1) / int64(chunkSize)
}

// SanitizeName strips directories from a name received from a peer.
func SanitizeName(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return "download"
	}
	return name
}

func partPath(dir, transferID string) string {
	return filepath.Join(dir, transferID+".part")
}

// finalPath picks a path in dir for name that does not exist yet.
func finalPath(dir, name string) string {
	name = SanitizeName(name)
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}
}

func mimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Source is the readable side of an outgoing transfer.
type Source interface {
	io.ReaderAt
	io.Closer
}

type File struct {
	Name     string
	Size     int64
	MimeType string
	// Path is recorded in checkpoints so the file can be reopened after a
	// restart. Empty for sources that cannot be reopened.
	Path   string
	Source Source
}

func OpenFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return File{}, err
	}
	if info.IsDir() {
		_ = f.Close()
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return File{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mimeType(path),
		Path:     abs,
		Source:   f,
	}, nil
}
