package decode

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// maxHeaderScan and the printable-ASCII range bound the textual
// header/footer lines stripped at the start/end of a capture (spec.md §4.1,
// §6): `#[\x20-\x7E]*\r\n` for a header line, `\r#[\x20-\x7E]*\r\n` for a
// footer line (note the leading CR on the footer form).
const maxHeaderScan = 1024

func isHeaderPrintable(b byte) bool { return b >= 0x20 && b <= 0x7E }

// Framer strips header/footer text, reads fixed 8-byte frames, validates
// their tag, and resynchronizes on corruption. It is the first of the four
// decode stages (spec.md §4.1).
type Framer struct {
	r       *bufio.Reader
	limited io.Reader // the data region, after header/footer stripped
	done    bool

	// HeaderLines and FooterLines are recorded verbatim for metadata, per
	// spec.md §4.1 ("records it verbatim for metadata").
	HeaderLines []string
	FooterLines []string

	// dataSize bounds the logical data region on a seekable source so the
	// framer never reads into footer bytes; 0 (unused) on a plain stream.
	dataSize int64

	bytesConsumed int64 // total bytes pulled from the data region, for property 2
}

// NewFramer strips the header from r and, if r also implements io.Seeker,
// strips the footer by seeking to end-of-stream first. A plain io.Reader
// (e.g. a live bridged feed) skips footer detection since there is no
// "end of stream" to look backward from ahead of time.
func NewFramer(r io.Reader) (*Framer, error) {
	f := &Framer{}

	seeker, seekable := r.(io.ReadSeeker)
	if seekable {
		if err := f.stripFooter(seeker); err != nil {
			return nil, fmt.Errorf("decode: strip footer: %w", err)
		}
	}

	br := bufio.NewReaderSize(r, 4096)
	if err := f.stripHeader(br); err != nil {
		return nil, fmt.Errorf("decode: strip header: %w", err)
	}

	if seekable {
		// dataSize counts from the start of the stream, but the header
		// bytes have already been consumed from br.
		remaining := f.dataSize
		for _, line := range f.HeaderLines {
			remaining -= int64(len(line))
		}
		if remaining < 0 {
			remaining = 0
		}
		f.limited = io.LimitReader(br, remaining)
	} else {
		f.limited = br
	}
	f.r = bufio.NewReaderSize(f.limited, 4096)
	return f, nil
}

func (f *Framer) stripHeader(br *bufio.Reader) error {
	for {
		peek, err := br.Peek(1)
		if err != nil || len(peek) == 0 || peek[0] != '#' {
			return nil
		}
		line, err := scanPrintableCRLFLine(br, maxHeaderScan)
		if err != nil {
			// Not a well-formed header line (no CRLF within the scan
			// window, or a non-printable byte): treat everything seen so
			// far as data, not header.
			return nil
		}
		f.HeaderLines = append(f.HeaderLines, line)
	}
}

// scanPrintableCRLFLine consumes bytes from br only if the leading run
// (starting at '#') is entirely printable ASCII and terminated by CRLF
// within limit bytes; on success it returns the line including the
// terminator and has consumed exactly those bytes from br.
func scanPrintableCRLFLine(br *bufio.Reader, limit int) (string, error) {
	peek, _ := br.Peek(limit)
	if len(peek) == 0 || peek[0] != '#' {
		return "", fmt.Errorf("not a header line")
	}
	for i := 1; i < len(peek); i++ {
		if peek[i] == '\r' {
			if i+1 < len(peek) && peek[i+1] == '\n' {
				n := i + 2
				if _, err := br.Discard(n); err != nil {
					return "", err
				}
				return string(peek[:n]), nil
			}
			return "", fmt.Errorf("malformed CRLF")
		}
		if !isHeaderPrintable(peek[i]) {
			return "", fmt.Errorf("non-printable byte in header line")
		}
	}
	return "", fmt.Errorf("no CRLF within scan window")
}

func (f *Framer) stripFooter(s io.ReadSeeker) error {
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	n := int64(maxHeaderScan)
	if n > end {
		n = end
	}
	tail := make([]byte, n)
	if _, err := s.Seek(end-n, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(s, tail); err != nil {
		return err
	}

	f.dataSize = end
	for {
		idx := lastFooterLineStart(tail)
		if idx < 0 {
			break
		}
		line := tail[idx:]
		f.FooterLines = append([]string{string(line)}, f.FooterLines...)
		f.dataSize -= int64(len(line))
		tail = tail[:idx]
	}

	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// lastFooterLineStart finds a trailing `\r#[\x20-\x7E]*\r\n` run at the end
// of buf and returns its start index, or -1 if buf's suffix does not match.
func lastFooterLineStart(buf []byte) int {
	if !bytes.HasSuffix(buf, []byte("\r\n")) {
		return -1
	}
	body := buf[:len(buf)-2]
	hashIdx := bytes.LastIndexByte(body, '#')
	if hashIdx <= 0 || body[hashIdx-1] != '\r' {
		return -1
	}
	for i := hashIdx + 1; i < len(body); i++ {
		if !isHeaderPrintable(body[i]) {
			return -1
		}
	}
	return hashIdx - 1
}

// Frame is one released record from the framer: either a valid 8-byte
// event, or a synthetic INTERNAL_CORRUPTED marking a resync.
type Frame struct {
	Event Event
}

// Next reads the next frame, silently consuming any sync sentinel and
// transparently resynchronizing past corruption. It returns io.EOF when the
// data region is exhausted with no partial frame pending.
func (f *Framer) Next() (Frame, error) {
	if f.done {
		return Frame{}, io.EOF
	}
	for {
		word0, word1, err := f.readWords()
		if err == io.EOF {
			f.done = true
			return Frame{}, io.EOF
		}
		if err != nil {
			return Frame{}, fmt.Errorf("decode: read frame: %w", err)
		}

		if word0 == syncWord0 && word1 == syncWord1 {
			// Valid sync sentinel: consumed silently (spec.md §4.1, §6).
			continue
		}

		tag := byte(word0 >> 24)
		kind := tagKind[tag]
		if kind == EventInvalid {
			skipped, err := f.resync(word0, word1)
			if err != nil && err != io.EOF {
				return Frame{}, fmt.Errorf("decode: resync: %w", err)
			}
			ev := Event{Kind: EventInternalCorrupted, Aux: uint32(skipped)}
			if err == io.EOF {
				f.done = true
			}
			return Frame{Event: ev}, nil
		}
		if kind == eventSync {
			// A tag-0x78 frame that did not match the full sync pattern is
			// itself invalid — treat like any other bad tag.
			skipped, err := f.resync(word0, word1)
			if err != nil && err != io.EOF {
				return Frame{}, fmt.Errorf("decode: resync: %w", err)
			}
			ev := Event{Kind: EventInternalCorrupted, Aux: uint32(skipped)}
			if err == io.EOF {
				f.done = true
			}
			return Frame{Event: ev}, nil
		}

		return Frame{Event: Event{Kind: kind, Tag: tag, Word0: word0, Word1: word1}}, nil
	}
}

// readWords reads one 8-byte frame as two little-endian uint32 words.
func (f *Framer) readWords() (uint32, uint32, error) {
	var buf [8]byte
	n, err := io.ReadFull(f.r, buf[:])
	f.bytesConsumed += int64(n)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return 0, 0, io.EOF
		}
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}

// resync implements spec.md §4.1's resync algorithm: conceptually seek back
// 7 bytes from the failed 8-byte read and scan forward byte-by-byte for the
// literal sync pattern. skippedBytes is reported as
// (bytesConsumedThroughMatchedSync - 1): of the original 8 bad bytes read,
// exactly one (the first) is permanently unrecoverable, and the remaining
// 7 are reconsidered as part of the forward scan — see the worked
// corruption-resync scenario.
func (f *Framer) resync(badWord0, badWord1 uint32) (int, error) {
	var window [8]byte
	binary.LittleEndian.PutUint32(window[0:4], badWord0)
	binary.LittleEndian.PutUint32(window[4:8], badWord1)
	consumed := 8

	// Drop the first byte permanently; keep the remaining 7 as the start
	// of the rolling 8-byte comparison window.
	roll := append([]byte{}, window[1:]...)

	for {
		if len(roll) == 8 && bytes.Equal(roll, syncPattern[:]) {
			return consumed - 1, nil
		}
		b, err := f.r.ReadByte()
		if err != nil {
			return consumed - 1, io.EOF
		}
		f.bytesConsumed++
		consumed++
		roll = append(roll, b)
		if len(roll) > 8 {
			roll = roll[len(roll)-8:]
		}
	}
}
