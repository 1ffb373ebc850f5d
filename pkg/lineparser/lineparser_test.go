package lineparser_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/corvidproto/httpengine/pkg/lineparser"
)

func TestScanner(t *testing.T) {
	t.Run("SingleLine", func(t *testing.T) {
		s := lineparser.NewScanner(8192)
		s.Feed([]byte("GET / HTTP/1.1\r\n"))
		line, res := s.Next()
		if res != lineparser.Line {
			t.Fatalf("expected Line, got %v", res)
		}
		if string(line) != "GET / HTTP/1.1\r\n" {
			t.Errorf("unexpected line: %q", line)
		}
		if _, res := s.Next(); res != lineparser.NeedMore {
			t.Errorf("expected NeedMore after draining buffer, got %v", res)
		}
	})

	t.Run("SplitAcrossFeeds", func(t *testing.T) {
		s := lineparser.NewScanner(8192)
		s.Feed([]byte("Host: exam"))
		if _, res := s.Next(); res != lineparser.NeedMore {
			t.Fatalf("expected NeedMore, got %v", res)
		}
		s.Feed([]byte("ple.com\r\n"))
		line, res := s.Next()
		if res != lineparser.Line {
			t.Fatalf("expected Line, got %v", res)
		}
		if string(line) != "Host: example.com\r\n" {
			t.Errorf("unexpected line: %q", line)
		}
	})

	t.Run("LeftoverTailPreserved", func(t *testing.T) {
		s := lineparser.NewScanner(8192)
		s.Feed([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\nEXTRA"))
		var lines []string
		for {
			line, res := s.Next()
			if res != lineparser.Line {
				break
			}
			lines = append(lines, string(line))
		}
		if len(lines) != 3 {
			t.Fatalf("expected 3 lines, got %d: %v", len(lines), lines)
		}
		if s.Pending() != len("EXTRA") {
			t.Errorf("expected leftover tail %q preserved, pending=%d", "EXTRA", s.Pending())
		}
	})

	t.Run("ExactlyMaxLenSucceeds", func(t *testing.T) {
		s := lineparser.NewScanner(8192)
		line := strings.Repeat("a", 8190) + "\r\n" // total 8192 incl CRLF
		s.Feed([]byte(line))
		_, res := s.Next()
		if res != lineparser.Line {
			t.Fatalf("expected exactly-8192-byte line to succeed, got %v", res)
		}
	})

	t.Run("OverflowOneByteOver", func(t *testing.T) {
		s := lineparser.NewScanner(8192)
		s.Feed([]byte(strings.Repeat("a", 8193)))
		_, res := s.Next()
		if res != lineparser.Overflow {
			t.Fatalf("expected Overflow, got %v", res)
		}
	})

	t.Run("OverflowCompleteLineOneByteOverTotal", func(t *testing.T) {
		// A complete CRLF-terminated line whose total length (content
		// plus terminator) exceeds MaxLen by one byte must still
		// overflow, even though a CRLF was found: MaxLen bounds the
		// whole line, not just its content.
		s := lineparser.NewScanner(8192)
		s.Feed([]byte(strings.Repeat("a", 8191) + "\r\n")) // total 8193
		_, res := s.Next()
		if res != lineparser.Overflow {
			t.Fatalf("expected Overflow for an 8193-byte complete line, got %v", res)
		}
	})

	t.Run("TrimCRLFToleratesBareLF", func(t *testing.T) {
		if got := lineparser.TrimCRLF([]byte("abc\r\n")); !bytes.Equal(got, []byte("abc")) {
			t.Errorf("CRLF trim: got %q", got)
		}
		if got := lineparser.TrimCRLF([]byte("abc\n")); !bytes.Equal(got, []byte("abc")) {
			t.Errorf("bare LF trim: got %q", got)
		}
	})
}
