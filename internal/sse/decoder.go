// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse decodes Server-Sent-Events framing from the agent service.
package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// FrameDelimiter separates two events on the wire.
	FrameDelimiter = "\n\n"

	// DataPrefix marks the payload line of an event. Only lines starting with
	// this exact prefix are kept; "event:", "id:" and ":" comments are ignored.
	DataPrefix = "data: "

	// MaxFrameSize bounds a single undelimited frame (1 MiB).
	MaxFrameSize = 1 << 20

	readChunkSize = 4096
)

// ErrFrameTooLarge is returned when the pending buffer grows past MaxFrameSize
// without a frame delimiter.
var ErrFrameTooLarge = errors.New("sse: frame exceeds maximum size")

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns arbitrarily chunked bytes into frame payloads. It holds back
// the last, possibly incomplete, segment between calls to Feed.
// A Decoder belongs to one connection and is not safe for concurrent use.
type Decoder struct {
	buf     strings.Builder
	partial []byte // trailing bytes of an incomplete UTF-8 sequence
	err     error
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the buffer and returns the payloads of every frame
// completed by it, in wire order.
func (d *Decoder) Feed(chunk []byte) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf.WriteString(d.decodeText(chunk))

	text := d.buf.String()
	segments := strings.Split(text, FrameDelimiter)
	rest := segments[len(segments)-1]
	segments = segments[:len(segments)-1]

	if len(rest) > MaxFrameSize {
		d.err = ErrFrameTooLarge
		return nil, d.err
	}

	d.buf.Reset()
	d.buf.WriteString(rest)

	var payloads []string
	for _, seg := range segments {
		payloads = append(payloads, framePayloads(seg)...)
	}
	return payloads, nil
}

// Flush returns the payloads of a trailing frame that the stream ended without
// terminating, and resets the decoder.
func (d *Decoder) Flush() []string {
	rest := d.buf.String()
	if len(d.partial) > 0 {
		rest += string(d.partial)
		d.partial = nil
	}
	d.buf.Reset()
	if strings.TrimSpace(rest) == "" {
		return nil
	}
	return framePayloads(rest)
}

// Buffered reports how many bytes are held back waiting for a delimiter.
func (d *Decoder) Buffered() int {
	return d.buf.Len() + len(d.partial)
}

// decodeText converts chunk to text, carrying an incomplete trailing rune
// over to the next chunk instead of emitting a replacement character.
func (d *Decoder) decodeText(chunk []byte) string {
	if len(d.partial) > 0 {
		chunk = append(d.partial, chunk...)
		d.partial = nil
	}
	cut := len(chunk)
	for i := len(chunk) - 1; i >= 0 && i >= len(chunk)-utf8.UTFMax; i-- {
		if utf8.RuneStart(chunk[i]) {
			if !utf8.FullRune(chunk[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(chunk) {
		d.partial = append([]byte(nil), chunk[cut:]...)
	}
	return string(chunk[:cut])
}

// framePayloads extracts the data payloads of one frame.
func framePayloads(frame string) []string {
	frame = strings.TrimSpace(frame)
	if frame == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, DataPrefix) {
			continue
		}
		out = append(out, strings.TrimPrefix(line, DataPrefix))
	}
	return out
}

// =============================================================================
// READER
// =============================================================================

// Reader exposes a decoded stream as a lazy, finite sequence of payloads.
// It is not restartable: once Next returns io.EOF the reader is spent.
type Reader struct {
	src     io.Reader
	dec     *Decoder
	pending []string
	buf     []byte
	done    bool
}

// NewReader wraps r, typically an HTTP response body.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		src: r,
		dec: NewDecoder(),
		buf: make([]byte, readChunkSize),
	}
}

// Next returns the next payload. It returns io.EOF when the underlying reader
// is exhausted and every buffered frame has been delivered. Read errors from
// the source are returned as is.
func (r *Reader) Next() (string, error) {
	for len(r.pending) == 0 {
		if r.done {
			return "", io.EOF
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			payloads, ferr := r.dec.Feed(r.buf[:n])
			if ferr != nil {
				return "", ferr
			}
			r.pending = append(r.pending, payloads...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.done = true
				r.pending = append(r.pending, r.dec.Flush()...)
				continue
			}
			return "", err
		}
	}
	next := r.pending[0]
	r.pending = r.pending[1:]
	return next, nil
}

// Buffered reports how many decoded payloads are waiting to be consumed.
func (r *Reader) Buffered() int {
	return len(r.pending)
}

// Collect drains r and returns every payload. Intended for tests and small
// non-interactive bodies.
func Collect(r io.Reader) ([]string, error) {
	sr := NewReader(r)
	var out []string
	for {
		p, err := sr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
}

// Encode renders payload as a single SSE frame.
func Encode(payload []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(DataPrefix) + len(payload) + len(FrameDelimiter))
	b.WriteString(DataPrefix)
	b.Write(payload)
	b.WriteString(FrameDelimiter)
	return b.Bytes()
}
