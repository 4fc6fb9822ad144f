// Package leelenmsg implements the wire encoding of a single VoIP dialog
// datagram: an 8-byte little-endian header (4-byte code, 4-byte dialog id)
// followed by a "Key=Value\n" body.
package leelenmsg

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/leelenproto"
)

// Message is one VoIP dialog datagram.
type Message struct {
	Code leelenproto.Code
	ID   leelenproto.ID

	From     leelennum.Number
	FromType int
	To       leelennum.Number

	AudioFormats []string
	AudioPort    int
	VideoFormats []string
	VideoPort    int
}

// ReplyOK builds the unconditional acknowledgement to request: same id,
// From/To swapped, CodeOK, no media lines. Mirrors
// LeelenMessage_init_reply.
func ReplyOK(request Message, fromType int) Message {
	return Message{
		Code:     leelenproto.CodeOK,
		ID:       request.ID,
		From:     request.To,
		FromType: fromType,
		To:       request.From,
	}
}

// Marshal renders m into its wire form.
func (m Message) Marshal() []byte {
	var body strings.Builder
	fmt.Fprintf(&body, "From=%s?%d\n", m.From.String(), m.FromType)
	fmt.Fprintf(&body, "To=%s\n", m.To.String())

	if len(m.AudioFormats) > 0 {
		for _, f := range m.AudioFormats {
			fmt.Fprintf(&body, "Audio=%s\n", f)
		}
		fmt.Fprintf(&body, "AudioPort=%d\n", m.AudioPort)
	}
	if len(m.VideoFormats) > 0 {
		for _, f := range m.VideoFormats {
			fmt.Fprintf(&body, "Video=%s\n", f)
		}
		fmt.Fprintf(&body, "VideoPort=%d\n", m.VideoPort)
	}

	buf := make([]byte, leelenproto.MessageHeaderSize+body.Len())
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Code))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.ID))
	copy(buf[leelenproto.MessageHeaderSize:], body.String())
	return buf
}

// Unmarshal parses raw into a Message. noAudioFormats/noVideoFormats, when
// set, skip collecting the corresponding format lines — the original
// implementation's optimisation for messages where the caller only needs
// the ports.
func Unmarshal(raw []byte, noAudioFormats, noVideoFormats bool) (Message, error) {
	if len(raw) < leelenproto.MinMessageSize {
		return Message{}, fmt.Errorf("leelenmsg: message too short (%d bytes)", len(raw))
	}
	if string(raw[leelenproto.MessageHeaderSize:leelenproto.MessageHeaderSize+5]) != "From=" {
		return Message{}, fmt.Errorf("leelenmsg: does not start with From=")
	}

	m := Message{
		Code: leelenproto.Code(binary.LittleEndian.Uint32(raw[0:4])),
		ID:   leelenproto.ID(binary.LittleEndian.Uint32(raw[4:8])),
	}

	body := string(raw[leelenproto.MessageHeaderSize:])
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "From="):
			rest := line[len("From="):]
			number, typeStr, _ := strings.Cut(rest, "?")
			if n, err := leelennum.Parse(number, nil); err == nil {
				m.From = n
			}
			if typeStr != "" {
				if v, err := strconv.Atoi(typeStr); err == nil {
					m.FromType = v
				}
			}

		case strings.HasPrefix(line, "To="):
			rest := line[len("To="):]
			if n, err := leelennum.Parse(rest, nil); err == nil {
				m.To = n
			}

		case strings.HasPrefix(line, "Audio="):
			if !noAudioFormats {
				m.AudioFormats = append(m.AudioFormats, line[len("Audio="):])
			}

		case strings.HasPrefix(line, "AudioPort="):
			if v, err := strconv.Atoi(line[len("AudioPort="):]); err == nil {
				m.AudioPort = v
			}

		case strings.HasPrefix(line, "Video="):
			if !noVideoFormats {
				m.VideoFormats = append(m.VideoFormats, line[len("Video="):])
			}

		case strings.HasPrefix(line, "VideoPort="):
			if v, err := strconv.Atoi(line[len("VideoPort="):]); err == nil {
				m.VideoPort = v
			}

		case strings.HasPrefix(line, "Resolution="):
			// accepted, ignored — the bridge never renegotiates resolution

		default:
			// unknown description lines are tolerated, matching the
			// original's permissive parser
		}
	}

	return m, nil
}
