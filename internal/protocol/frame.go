package protocol

import (
	"bytes"
	"errors"
)

// DefaultMaxFrameSize bounds a single frame and the unterminated tail.
const DefaultMaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Splitter turns an arbitrary byte stream into complete frames. Bytes after
// the last '\n' are kept until more data arrives.
type Splitter struct {
	buf     []byte
	max     int
	discard bool // dropping the rest of an oversized frame
}

func NewSplitter(maxFrameSize int) *Splitter {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Splitter{max: maxFrameSize}
}

// Feed appends data and returns the complete, non-blank frames in order.
// It stops at an oversized frame: the frames before it are returned with
// ErrFrameTooLarge, the oversized frame is dropped, and the frames after it
// stay buffered for the next call. Callers drain with Feed(nil) until the
// error is nil.
func (s *Splitter) Feed(data []byte) ([][]byte, error) {
	if s.discard {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return nil, nil
		}
		s.discard = false
		data = data[idx+1:]
	}
	s.buf = append(s.buf, data...)
	var frames [][]byte
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(s.buf[:idx])
		s.buf = s.buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		if len(line) > s.max {
			s.compact()
			return frames, ErrFrameTooLarge
		}
		frames = append(frames, bytes.Clone(line))
	}
	if len(s.buf) > s.max {
		s.buf = nil
		s.discard = true
		return frames, ErrFrameTooLarge
	}
	s.compact()
	return frames, nil
}

// FeedAll feeds data and hands every segment to fn in stream order. A
// segment is a run of frames, optionally followed by a dropped oversized
// frame. fn returning false stops early.
func (s *Splitter) FeedAll(data []byte, fn func(frames [][]byte, tooLarge bool) bool) {
	for {
		frames, err := s.Feed(data)
		data = nil
		tooLarge := errors.Is(err, ErrFrameTooLarge)
		if (len(frames) > 0 || tooLarge) && !fn(frames, tooLarge) {
			return
		}
		if !tooLarge {
			return
		}
	}
}

func (s *Splitter) compact() {
	if len(s.buf) == 0 {
		s.buf = nil
	} else {
		s.buf = bytes.Clone(s.buf)
	}
}

// Buffered reports how many bytes of an unterminated frame are held.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}
