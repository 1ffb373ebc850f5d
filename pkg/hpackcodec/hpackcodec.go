// Package hpackcodec adapts golang.org/x/net/http2/hpack to the
// engine's HPACK contract (spec §4.3): a decoder that yields ordered
// (name, value) pairs against a bounded dynamic table, and an encoder
// that writes into a growable buffer owned by the Codec.
//
// Table maintenance itself (RFC 7541 indexing, Huffman coding) is
// entirely the library's concern; this package owns only the
// pseudo-header ordering and HTTP/2-illegal-header stripping the
// engine needs on encode, following the teacher's
// pkg/http2/converter.go.
package hpackcodec

import (
	"bytes"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/corvidproto/httpengine/pkg/protoerr"
)

// pseudoOrder fixes the wire order of pseudo-headers the engine ever
// emits itself; incoming pseudo-headers are matched by name and may
// arrive in any order per RFC 7541, but the ones this engine writes
// always go out in this order for determinism and the smallest
// HPACK encoding (repeated prefixes compress better).
var pseudoOrder = []string{":method", ":path", ":scheme", ":authority", ":status"}

// illegalOnWire is stripped from any outbound HTTP/2 header set,
// matching spec §4.6.
var illegalOnWire = map[string]bool{
	"connection":       true,
	"keep-alive":       true,
	"proxy-connection": true,
	"transfer-encoding": true,
	"upgrade":          true,
}

// Field is a single decoded or to-be-encoded header.
type Field struct {
	Name  string
	Value string
}

// Codec owns one connection's HPACK encoder and decoder, sized by the
// negotiated HEADER_TABLE_SIZE (spec §4.3/§4.5).
type Codec struct {
	enc    *hpack.Encoder
	encBuf bytes.Buffer
	dec    *hpack.Decoder
}

// New creates a Codec with both sides bounded to tableSize bytes.
func New(tableSize uint32) *Codec {
	c := &Codec{}
	c.enc = hpack.NewEncoder(&c.encBuf)
	c.enc.SetMaxDynamicTableSize(tableSize)
	c.dec = hpack.NewDecoder(tableSize, nil)
	return c
}

// SetPeerTableSize updates the encoder's dynamic table bound in
// response to a peer SETTINGS_HEADER_TABLE_SIZE change.
func (c *Codec) SetPeerTableSize(size uint32) {
	c.enc.SetMaxDynamicTableSize(size)
}

// SetOwnTableSize updates the decoder's table bound when this side's
// own advertised SETTINGS_HEADER_TABLE_SIZE changes.
func (c *Codec) SetOwnTableSize(size uint32) {
	c.dec.SetMaxDynamicTableSize(size)
}

// EncodeHeaders HPACK-encodes fields, emitting pseudo-headers first (in
// pseudoOrder) and stripping HTTP/2-illegal headers. Pseudo-headers not
// listed in pseudoOrder are dropped. The returned slice is a fresh copy
// that later calls do not overwrite.
func (c *Codec) EncodeHeaders(fields []Field) ([]byte, error) {
	c.encBuf.Reset()

	byName := make(map[string][]Field, len(fields))
	var regular []Field
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		if strings.HasPrefix(name, ":") {
			byName[name] = append(byName[name], Field{Name: name, Value: f.Value})
			continue
		}
		if illegalOnWire[name] {
			continue
		}
		regular = append(regular, Field{Name: name, Value: f.Value})
	}

	for _, name := range pseudoOrder {
		for _, f := range byName[name] {
			if err := c.enc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
				return nil, protoerr.NewCompressionError("encode", err)
			}
		}
	}
	for _, f := range regular {
		if err := c.enc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return nil, protoerr.NewCompressionError("encode", err)
		}
	}

	out := make([]byte, c.encBuf.Len())
	copy(out, c.encBuf.Bytes())
	return out, nil
}

// DecodeHeaders decodes a complete HPACK header-block (already
// reassembled across HEADERS + CONTINUATION* by the caller) into an
// ordered field list. A malformed block returns a compression error,
// which is always connection-fatal per RFC 7540 §4.3.
func (c *Codec) DecodeHeaders(block []byte) ([]Field, error) {
	hf, err := c.dec.DecodeFull(block)
	if err != nil {
		return nil, protoerr.NewCompressionError("decode", err)
	}
	out := make([]Field, len(hf))
	for i, f := range hf {
		out[i] = Field{Name: f.Name, Value: f.Value}
	}
	return out, nil
}
