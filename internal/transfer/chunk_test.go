package transfer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashFile_Empty(t *testing.T) {
	hash, err := HashFile(strings.NewReader(""), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// blake3 of the empty string
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	if got := hex.EncodeToString(hash); got != expected {
		t.Errorf("expected %s, got %s", expected, got)
	}
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	data := []byte("hello world")
	hash, err := HashFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(hash, HashBytes(data)) {
		t.Errorf("HashFile and HashBytes disagree")
	}

	prefix, err := HashFile(bytes.NewReader(data), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(prefix, HashBytes(data[:5])) {
		t.Errorf("HashFile should only cover the first size bytes")
	}
}

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		fileSize  int64
		chunkSize int
		expected  int64
	}{
		{1024, 256, 4},
		{1000, 256, 4},
		{256, 256, 1},
		{0, 256, 0},
		{1, 256, 1},
		{257, 256, 2},
		{100, 0, 0},
	}

	for _, tt := range tests {
		result := TotalChunks(tt.fileSize, tt.chunkSize)
		if result != tt.expected {
			t.Errorf("TotalChunks(%d, %d) = %d, want %d",
				tt.fileSize, tt.chunkSize, result, tt.expected)
		}
	}
}

func TestReadChunk(t *testing.T) {
	reader := bytes.NewReader([]byte("0123456789ABCDEFGHIJ"))

	chunk, err := ReadChunk(reader, 5, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(chunk) != "56789" {
		t.Errorf("expected %q, got %q", "56789", string(chunk))
	}

	if _, err := ReadChunk(reader, 18, 5); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF for a short read, got %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"/abs/path/notes.txt", "notes.txt"},
		{`..\..\windows\win.ini`, "win.ini"},
		{"", "download"},
		{"..", "download"},
	}

	for _, tt := range tests {
		if got := SanitizeName(tt.name); got != tt.expected {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.name, got, tt.expected)
		}
	}
}

func TestFinalPathAvoidsExisting(t *testing.T) {
	dir := t.TempDir()
	if got := finalPath(dir, "a.txt"); got != filepath.Join(dir, "a.txt") {
		t.Errorf("expected a.txt, got %s", got)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := finalPath(dir, "a.txt"); got != filepath.Join(dir, "a (1).txt") {
		t.Errorf("expected a (1).txt, got %s", got)
	}
}

func TestOpenFile(t *testing.T) {
	path, data := writeSource(t, 3000)
	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer f.Source.Close()

	if f.Name != "report.bin" || f.Size != int64(len(data)) || !filepath.IsAbs(f.Path) {
		t.Errorf("unexpected file %+v", f)
	}
	if _, err := OpenFile(t.TempDir()); err == nil {
		t.Error("expected error opening a directory")
	}
}

func TestRunningHash(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)
	want := HashBytes(data)

	tests := []struct {
		name   string
		writes [][2]int // offset, end
		ok     bool
	}{
		{"in order", [][2]int{{0, 300}, {300, 700}, {700, 1000}}, true},
		{"rewrite of seen bytes", [][2]int{{0, 400}, {200, 600}, {600, 1000}}, true},
		{"fully seen chunk", [][2]int{{0, 500}, {100, 200}, {500, 1000}}, true},
		{"gap", [][2]int{{0, 300}, {400, 1000}}, false},
		{"starts past zero", [][2]int{{100, 1000}}, false},
		{"short", [][2]int{{0, 999}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRunningHash()
			for _, w := range tt.writes {
				h.write(int64(w[0]), data[w[0]:w[1]])
			}
			got, ok := h.sum(int64(len(data)))
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && !bytes.Equal(got, want) {
				t.Errorf("running digest differs from HashBytes")
			}
		})
	}
}

func TestRunningHashSet(t *testing.T) {
	h := newRunningHash()
	h.write(50, []byte("late"))
	if h.follows(60) {
		t.Fatal("expected a hash with a gap not to follow")
	}
	sum := HashBytes([]byte("whole file"))
	h.set(sum)
	if !h.follows(0) {
		t.Error("expected a set digest to follow any offset")
	}
	if got, ok := h.sum(10); !ok || !bytes.Equal(got, sum) {
		t.Errorf("expected the set digest back, got %x (%v)", got, ok)
	}
}
