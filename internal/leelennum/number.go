// Package leelennum implements the LEELEN phone number format: the domain
// identity of a LEELEN device, canonically rendered as "BBBB-RRRR" or
// "BBBB-RRRR-E" (block-room, with an optional one-digit extension).
package leelennum

import (
	"fmt"
	"strconv"
	"strings"
)

// Number is a parsed LEELEN phone number.
type Number struct {
	Block     string // 4 digits
	Room      string // 4 digits
	Extension byte   // '0'-'9', or 0 if absent
}

// NoExtension is the zero value of Number.Extension, meaning "no extension".
const NoExtension = 0

// HasExtension reports whether n carries an extension digit.
func (n Number) HasExtension() bool {
	return n.Extension != NoExtension
}

// String renders the canonical textual form.
func (n Number) String() string {
	if n.HasExtension() {
		return fmt.Sprintf("%s-%s-%c", n.Block, n.Room, n.Extension)
	}
	return fmt.Sprintf("%s-%s", n.Block, n.Room)
}

// Equal reports whether n and other denote the same phone number,
// ignoring how either was formatted.
func (n Number) Equal(other Number) bool {
	return n.Block == other.Block && n.Room == other.Room && n.Extension == other.Extension
}

// ShouldReply reports whether a solicitation for request should be answered
// by a device whose number is n, using the 9-character canonical-prefix
// comparison from spec.md §3 ("reply match").
func (n Number) ShouldReply(request string) bool {
	canon := n.String()
	if len(canon) < 9 || len(request) < 9 {
		return false
	}
	return canon[:9] == request[:9]
}

// Pack32 packs the number into a 32-bit integer: 14 bits block, 14 bits
// room, 4 bits extension (0xf meaning "no extension"). Mirrors
// LeelenNumber_toint from the original C implementation.
func (n Number) Pack32() uint32 {
	block, _ := strconv.Atoi(n.Block)
	room, _ := strconv.Atoi(n.Room)
	ext := uint32(0xf)
	if n.HasExtension() {
		ext = uint32(n.Extension - '0')
	}
	return (uint32(block) & 0x3fff) | (uint32(room)&0x3fff)<<14 | (ext&0xf)<<28
}

// Unpack32 is the inverse of Pack32.
func Unpack32(v uint32) Number {
	block := v & 0x3fff
	room := (v >> 14) & 0x3fff
	ext := (v >> 28) & 0xf
	n := Number{Block: fmt.Sprintf("%04d", block), Room: fmt.Sprintf("%04d", room)}
	if ext < 10 {
		n.Extension = '0' + byte(ext)
	}
	return n
}

// Pack40 packs the number into a 5-byte (40-bit) value: one byte extension
// (0xff meaning "no extension"), two BCD bytes room, two BCD bytes block.
// Mirrors LeelenNumber_tobytes.
func (n Number) Pack40() uint64 {
	ext := uint64(0xff)
	if n.HasExtension() {
		ext = uint64(n.Extension - '0')
	}
	b0 := bcdByte(n.Room[2:4])
	b1 := bcdByte(n.Room[0:2])
	b2 := bcdByte(n.Block[2:4])
	b3 := bcdByte(n.Block[0:2])
	return ext | uint64(b0)<<8 | uint64(b1)<<16 | uint64(b2)<<24 | uint64(b3)<<32
}

// Unpack40 is the inverse of Pack40.
func Unpack40(v uint64) Number {
	ext := byte(v & 0xff)
	b0 := byte((v >> 8) & 0xff)
	b1 := byte((v >> 16) & 0xff)
	b2 := byte((v >> 24) & 0xff)
	b3 := byte((v >> 32) & 0xff)
	n := Number{
		Block: fromBCD(b3) + fromBCD(b2),
		Room:  fromBCD(b1) + fromBCD(b0),
	}
	if ext != 0xff {
		n.Extension = '0' + ext
	}
	return n
}

func bcdByte(s string) byte {
	v, _ := strconv.Atoi(s)
	return byte(v/10<<4 | v%10)
}

func fromBCD(b byte) string {
	return fmt.Sprintf("%d%d", b>>4, b&0x0f)
}

// Parse parses src into a Number. base, if non-nil, supplies the block
// part when src omits it. Accepted grammars (a delimiter is one non-digit
// character; at most two are allowed):
//
//	block-room[-extension]
//	room[-extension]            (block comes from base)
//	[block]room[extension]      (no delimiter at all)
//
// This mirrors LeelenNumber_init in the original implementation.
func Parse(src string, base *Number) (Number, error) {
	if src == "" || !isDigit(src[0]) {
		return Number{}, fmt.Errorf("leelennum: %q does not start with a digit", src)
	}

	var seps []int
	for i := 0; i < len(src); i++ {
		if i >= 31 {
			return Number{}, fmt.Errorf("leelennum: %q is too long", src)
		}
		if !isDigit(src[i]) {
			seps = append(seps, i)
			if len(seps) > 2 {
				return Number{}, fmt.Errorf("leelennum: %q has too many separators", src)
			}
		}
	}
	if len(seps) != 0 && seps[len(seps)-1] == len(src)-1 {
		return Number{}, fmt.Errorf("leelennum: %q ends with a separator", src)
	}

	var block, room string
	var ext byte

	switch len(seps) {
	case 2:
		i0, i1 := seps[0], seps[1]
		if i0+1 == i1 {
			return Number{}, fmt.Errorf("leelennum: %q has an empty room part", src)
		}
		if i1+2 != len(src) {
			return Number{}, fmt.Errorf("leelennum: %q has a multi-character extension", src)
		}
		ext = src[i1+1]
		var err error
		block, room, err = splitBlockRoom(src, i0, i1)
		if err != nil {
			return Number{}, err
		}

	case 1:
		i0 := seps[0]
		if i0+2 != len(src) {
			// block-room
			var err error
			block, room, err = splitBlockRoom(src, i0, len(src))
			if err != nil {
				return Number{}, err
			}
			break
		}
		// [block]room-extension
		ext = src[i0+1]
		digits := src[:i0]
		if len(digits) > 4 && len(digits) != 8 {
			return Number{}, fmt.Errorf("leelennum: %q has an invalid length", src)
		}
		b, r, _, err2 := parseNoSep(digits, base)
		if err2 != nil {
			return Number{}, err2
		}
		return Number{Block: b, Room: r, Extension: ext}, nil

	case 0:
		var err error
		block, room, ext, err = parseNoSep(src, base)
		if err != nil {
			return Number{}, err
		}
	}

	return Number{Block: block, Room: room, Extension: ext}, nil
}

func splitBlockRoom(src string, sep, end int) (block, room string, err error) {
	if sep > 4 || end-sep-1 > 4 {
		return "", "", fmt.Errorf("leelennum: %q has an oversized block or room part", src)
	}
	return padLeft(src[:sep], 4), padLeft(src[sep+1:end], 4), nil
}

// parseNoSep parses the unseparated forms: room[extension] (<=5 chars,
// needs base) or blockroom[extension] (8 or 9 chars).
func parseNoSep(src string, base *Number) (block, room string, ext byte, err error) {
	n := len(src)
	switch {
	case n <= 5:
		if base == nil {
			return "", "", 0, fmt.Errorf("leelennum: %q needs a base number", src)
		}
		block = base.Block
		if n <= 4 {
			room = padLeft(src, 4)
		} else {
			room = src[:4]
			ext = src[4]
		}
	case n == 8 || n == 9:
		block = src[:4]
		room = src[4:8]
		if n == 9 {
			ext = src[8]
		}
	default:
		return "", "", 0, fmt.Errorf("leelennum: %q has an invalid length", src)
	}
	return block, room, ext, nil
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
