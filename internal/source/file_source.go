package source

import (
	"fmt"
	"os"
)

// FileSource replays a previously captured RTT Lite Trace file. Its Size is
// known up front, letting the overflow detector size its lookahead queue to
// the full spec.md §4.2 formula instead of the live-feed fallback.
type FileSource struct {
	f    *os.File
	size int64
}

// OpenFile opens path for replay. The caller must Close the returned source
// when done.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("source: stat file: %w", err)
	}
	return &FileSource{f: f, size: info.Size()}, nil
}

func (s *FileSource) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *FileSource) Size() int64 { return s.size }

// Close releases the underlying file handle.
func (s *FileSource) Close() error { return s.f.Close() }
