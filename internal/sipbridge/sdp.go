package sipbridge

import (
	"fmt"

	psdp "github.com/pion/sdp/v3"
)

// MediaOffer is the small slice of an SDP body the bridge actually reads or
// writes: connection address and the audio/video ports plus codec names
// (spec.md Non-goals: no general SDP passthrough).
type MediaOffer struct {
	Addr        string
	AudioPort   int
	AudioCodecs []string
	VideoPort   int
	VideoCodecs []string
}

// ParseOffer extracts a MediaOffer from a raw SDP body.
func ParseOffer(body []byte) (MediaOffer, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return MediaOffer{}, fmt.Errorf("sipbridge: parse sdp: %w", err)
	}

	out := MediaOffer{}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		out.Addr = sd.ConnectionInformation.Address.Address
	}

	for _, m := range sd.MediaDescriptions {
		addr := out.Addr
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			addr = m.ConnectionInformation.Address.Address
		}
		codecs := rtpmapNames(m)
		switch m.MediaName.Media {
		case "audio":
			out.Addr = addr
			out.AudioPort = m.MediaName.Port.Value
			out.AudioCodecs = codecs
		case "video":
			if out.Addr == "" {
				out.Addr = addr
			}
			out.VideoPort = m.MediaName.Port.Value
			out.VideoCodecs = codecs
		}
	}
	if out.AudioPort == 0 && out.VideoPort == 0 {
		return MediaOffer{}, fmt.Errorf("sipbridge: sdp has neither audio nor video media")
	}
	return out, nil
}

func rtpmapNames(m *psdp.MediaDescription) []string {
	var names []string
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		// "<fmt> <name>/<clockrate>[/<params>]"
		var fmtNum, rest string
		if _, err := fmt.Sscanf(a.Value, "%s", &fmtNum); err != nil {
			continue
		}
		if idx := indexAfterFirstSpace(a.Value); idx >= 0 {
			rest = a.Value[idx:]
		}
		if name, _, ok := cutSlash(rest); ok {
			names = append(names, name)
		}
	}
	return names
}

func indexAfterFirstSpace(s string) int {
	for i, c := range s {
		if c == ' ' {
			return i + 1
		}
	}
	return -1
}

func cutSlash(s string) (before, after string, found bool) {
	for i, c := range s {
		if c == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// BuildAnswer constructs an SDP answer offering ours at localAddr/ports with
// the given codec names and payload types.
func BuildAnswer(localAddr string, audioPort int, audioCodec string, audioPT int, videoPort int, videoCodec string, videoPT int) ([]byte, error) {
	sd := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddr,
		},
		SessionName: "leelen2sip",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: localAddr},
		},
		TimeDescriptions: []psdp.TimeDescription{{Timing: psdp.Timing{}}},
	}

	if audioPort != 0 {
		sd.MediaDescriptions = append(sd.MediaDescriptions, &psdp.MediaDescription{
			MediaName: psdp.MediaName{
				Media:   "audio",
				Port:    psdp.RangedPort{Value: audioPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{fmt.Sprintf("%d", audioPT)},
			},
			Attributes: []psdp.Attribute{
				{Key: "rtpmap", Value: fmt.Sprintf("%d %s/8000", audioPT, audioCodec)},
			},
		})
	}
	if videoPort != 0 {
		sd.MediaDescriptions = append(sd.MediaDescriptions, &psdp.MediaDescription{
			MediaName: psdp.MediaName{
				Media:   "video",
				Port:    psdp.RangedPort{Value: videoPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{fmt.Sprintf("%d", videoPT)},
			},
			Attributes: []psdp.Attribute{
				{Key: "rtpmap", Value: fmt.Sprintf("%d %s/90000", videoPT, videoCodec)},
			},
		})
	}

	return sd.Marshal()
}
