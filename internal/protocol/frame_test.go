package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestSplitterFeed(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		expect []string
		tail   int
	}{
		{"single", []string{"{\"a\":1}\n"}, []string{`{"a":1}`}, 0},
		{"concatenated", []string{"{\"a\":1}\n{\"b\":2}\n"}, []string{`{"a":1}`, `{"b":2}`}, 0},
		{"split across reads", []string{"{\"a\"", ":1}\n{\"b\""}, []string{`{"a":1}`}, 4},
		{"blank and crlf", []string{"\n  \n{\"a\":1}\r\n"}, []string{`{"a":1}`}, 0},
		{"no terminator", []string{"{\"a\":1}"}, nil, 7},
	}

	for _, tt := range tests {
		s := NewSplitter(0)
		var got []string
		for _, chunk := range tt.chunks {
			frames, err := s.Feed([]byte(chunk))
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tt.name, err)
			}
			for _, f := range frames {
				got = append(got, string(f))
			}
		}
		if strings.Join(got, "|") != strings.Join(tt.expect, "|") {
			t.Errorf("%s: expect=%v got=%v", tt.name, tt.expect, got)
		}
		if s.Buffered() != tt.tail {
			t.Errorf("%s: expect tail=%d got=%d", tt.name, tt.tail, s.Buffered())
		}
	}
}

func TestSplitterFrameTooLarge(t *testing.T) {
	s := NewSplitter(8)
	frames, err := s.Feed([]byte("0123456789\n{}\n"))
	if !errors.Is(err, ErrFrameTooLarge) || len(frames) != 0 {
		t.Fatalf("expected ErrFrameTooLarge before any frame, got %q %v", frames, err)
	}
	frames, err = s.Feed(nil)
	if err != nil || len(frames) != 1 || string(frames[0]) != "{}" {
		t.Fatalf("frame after the oversized one should stay buffered, got %q %v", frames, err)
	}

	if _, err := s.Feed([]byte("0123456789")); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversized tail should be rejected, got %v", err)
	}
	if s.Buffered() != 0 {
		t.Fatalf("oversized tail should be discarded, %d bytes held", s.Buffered())
	}
	frames, err = s.Feed([]byte("still too long\n{}\n"))
	if err != nil || len(frames) != 1 || string(frames[0]) != "{}" {
		t.Fatalf("splitter should recover, frames=%q err=%v", frames, err)
	}
}

func TestSplitterFeedAllKeepsStreamOrder(t *testing.T) {
	s := NewSplitter(8)
	var events []string
	s.FeedAll([]byte("{\"a\"}\n0123456789\n{\"b\"}\n0123456789\n{}\n0123456789"), func(frames [][]byte, tooLarge bool) bool {
		for _, f := range frames {
			events = append(events, string(f))
		}
		if tooLarge {
			events = append(events, "too large")
		}
		return true
	})

	expect := []string{`{"a"}`, "too large", `{"b"}`, "too large", "{}", "too large"}
	if strings.Join(events, "|") != strings.Join(expect, "|") {
		t.Fatalf("expect=%v got=%v", expect, events)
	}
	if s.Buffered() != 0 {
		t.Fatalf("nothing should be held, got %d bytes", s.Buffered())
	}
}

func TestSplitterFeedAllStops(t *testing.T) {
	s := NewSplitter(8)
	calls := 0
	s.FeedAll([]byte("{}\n0123456789\n{}\n"), func(frames [][]byte, tooLarge bool) bool {
		calls++
		return false
	})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if s.Buffered() != 3 {
		t.Fatalf("unprocessed frame should stay buffered, got %d bytes", s.Buffered())
	}
}
