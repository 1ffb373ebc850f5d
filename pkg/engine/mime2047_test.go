package engine

import (
	"strings"
	"testing"
)

// These exercise encodeHeaderValue/decodeHeaderValue directly (package-
// internal, unlike engine_test.go's black-box Connection tests) so the
// B-vs-Q selection and the decode path are covered without going
// through a full request/response round trip.

func TestEncodeHeaderValueChoosesQForMostlyNonASCII(t *testing.T) {
	v := "\xc3\xa9\xc3\xa8\xc3\xaa" // entirely non-ASCII
	if got := encodeHeaderValue(v); !strings.Contains(got, "?Q?") {
		t.Fatalf("expected Q-encoding for a mostly non-ASCII value, got %q", got)
	}
}

func TestEncodeHeaderValueChoosesBForMostlyASCII(t *testing.T) {
	v := "plain text with one stray byte \xc3\xa9 in it"
	if got := encodeHeaderValue(v); !strings.Contains(got, "?B?") {
		t.Fatalf("expected B-encoding for a mostly ASCII value, got %q", got)
	}
}

func TestEncodeHeaderValuePassesThroughPureASCII(t *testing.T) {
	if got := encodeHeaderValue("no encoding needed"); got != "no encoding needed" {
		t.Fatalf("expected ASCII value unchanged, got %q", got)
	}
}

func TestHeaderValueRoundTripsThroughEncodeAndDecode(t *testing.T) {
	original := "plain text with one stray byte \xc3\xa9 in it"
	encoded := encodeHeaderValue(original)
	if !strings.Contains(encoded, "=?utf-8?") {
		t.Fatalf("expected an encoded-word, got %q", encoded)
	}
	if got := decodeHeaderValue(encoded); got != original {
		t.Fatalf("round trip mismatch: got %q want %q", got, original)
	}
}

func TestDecodeHeaderValueIgnoresMalformedEncodedWord(t *testing.T) {
	v := "=?utf-8?X?not-a-real-encoding?="
	if got := decodeHeaderValue(v); got != v {
		t.Fatalf("expected malformed encoded-word left untouched, got %q", got)
	}
}
