// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wire implements the big-endian binary primitives shared by the
// stamp, commit record, logic graph and taxonomy encodings.
//
// Strings are written as a 2-byte unsigned length followed by the UTF-8
// bytes. Integer arrays are written as a 4-byte count followed by the
// elements.
//
// Reader uses a sticky error: after the first failure every subsequent read
// returns a zero value and Err() reports the original failure, so decoders
// can read a whole record and check once.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the input.
	ErrShortBuffer = errors.New("wire: unexpected end of data")

	// ErrStringTooLong is returned when a string exceeds 65535 bytes.
	ErrStringTooLong = errors.New("wire: string longer than 65535 bytes")

	// ErrNegativeCount is returned when a decoded array count is negative.
	ErrNegativeCount = errors.New("wire: negative element count")
)

// Writer accumulates an encoded record.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
		return
	}
	w.Uint8(0)
}

func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) Int32(v int32) { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }

func (w *Writer) Int64(v int64) { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

func (w *Writer) Uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *Writer) Float64(v float64) { w.Uint64(math.Float64bits(v)) }

// UTF writes a length-prefixed string. Strings over 65535 bytes set the
// writer's error.
func (w *Writer) UTF(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
		}
		return
	}
	w.Uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Int32s writes a 4-byte count followed by each value.
func (w *Writer) Int32s(vs []int32) {
	w.Int32(int32(len(vs)))
	for _, v := range vs {
		w.Int32(v)
	}
}

// Raw appends bytes without a length prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the encoded record, or the first error encountered.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Reader decodes a record produced by Writer.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader returns a Reader over b. b is not copied.
func NewReader(b []byte) *Reader {
	return &Reader{data: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.Uint8() != 0 }

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) Int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

func (r *Reader) UTF() string {
	n := int(r.Uint16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// Int32s reads a count-prefixed int32 array. A zero count yields nil.
func (r *Reader) Int32s() []int32 {
	n := r.Int32()
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.err = fmt.Errorf("%w: %d", ErrNegativeCount, n)
		return nil
	}
	if n == 0 {
		return nil
	}
	if int(n)*4 > len(r.data)-r.off {
		r.err = fmt.Errorf("%w: array of %d ints at offset %d", ErrShortBuffer, n, r.off)
		return nil
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = r.Int32()
	}
	return out
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }
