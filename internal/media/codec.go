// Package media relays RTP traffic between a LEELEN device and its SIP
// peer without transcoding: payloads pass through unchanged, and this
// package's only job is to own the two connected sockets and move bytes
// between them (spec.md §4.7, Non-goal: no transcoding).
package media

import "github.com/zaf/g711"

// Default codec payload types and names the bridge negotiates when a
// device's SDP offer doesn't pin down something more specific. Named after
// zaf/g711's codec identifiers, matching the default codec table used
// elsewhere in the corpus.
const (
	DefaultAudioCodec    = "PCMU"
	DefaultAudioPT       = 0
	DefaultVideoCodec    = "H264"
	DefaultVideoPT       = 96
)

// AudioDecoderFor returns the g711 decoder function for a negotiated codec
// name, or nil if codec isn't one of the two PCM variants this bridge
// recognises (any other codec is relayed as an opaque RTP payload, per the
// no-transcoding Non-goal). The relay path does not call it: forwarded
// payloads are never decoded or re-encoded.
func AudioDecoderFor(codec string) func([]byte) []byte {
	switch codec {
	case "PCMU":
		return g711.DecodeUlaw
	case "PCMA":
		return g711.DecodeAlaw
	default:
		return nil
	}
}
