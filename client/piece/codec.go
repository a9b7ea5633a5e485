/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package piece encodes and decodes the wire framing of a single piece
// response: a 4-byte big-endian header, the raw body, and a 1-byte
// trailer (spec.md §3 "Piece", §4.2).
package piece

import (
	"encoding/binary"
)

// Trailer is the fixed byte appended after every framed piece body.
const Trailer byte = 0x7f

// HeaderLen is the size in bytes of the framing header.
const HeaderLen = 4

// EncodeHeader packs (readLen | (pieceSize << 4)) into a 4-byte big-endian
// value, per spec.md §3's wire framing.
func EncodeHeader(readLen, pieceSize uint32) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf, readLen|(pieceSize<<4))
	return buf
}

// DecodeHeader splits a header back into (readLen, pieceSize) as the low
// 4 bits and the value shifted right by 4. Because readLen's bits overlap
// pieceSize<<4, this is not an exact inverse of EncodeHeader: readLen
// comes back as its low 4 bits only, and pieceSize comes back OR-ed with
// readLen>>4 (exact only when readLen < 16).
func DecodeHeader(buf []byte) (readLen, pieceSize uint32) {
	v := binary.BigEndian.Uint32(buf)
	return v & 0xf, v >> 4
}

// Frame builds the full wire payload for a piece body: header + body +
// trailer.
func Frame(body []byte, pieceSize uint32) []byte {
	readLen := uint32(len(body)) + 5
	out := make([]byte, 0, HeaderLen+len(body)+1)
	out = append(out, EncodeHeader(readLen, pieceSize)...)
	out = append(out, body...)
	out = append(out, Trailer)
	return out
}

// Unframe strips the framing from a sequence of chunks as they streamed
// off the wire (the fetcher's view, §4.2): the leading 4 bytes come off
// the first chunk, the trailing trailer byte comes off the last chunk,
// and everything else passes through untouched. Reassembly across chunk
// boundaries (chunk 0 being both first and last, chunk of length <= the
// stripped boundary) is handled by concatenating first and slicing once.
func Unframe(chunks [][]byte) []byte {
	if len(chunks) == 0 {
		return nil
	}

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	raw := make([]byte, 0, total)
	for _, c := range chunks {
		raw = append(raw, c...)
	}

	if len(raw) < HeaderLen+1 {
		return nil
	}
	return raw[HeaderLen : len(raw)-1]
}
