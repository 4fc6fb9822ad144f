package sipbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.168.1.50\r\n" +
	"s=leelen\r\n" +
	"c=IN IP4 192.168.1.50\r\n" +
	"t=0 0\r\n" +
	"m=audio 7078 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 9078 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

func TestParseOfferExtractsAudioAndVideo(t *testing.T) {
	offer, err := ParseOffer([]byte(sampleOffer))
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", offer.Addr)
	assert.Equal(t, 7078, offer.AudioPort)
	assert.Equal(t, []string{"PCMU"}, offer.AudioCodecs)
	assert.Equal(t, 9078, offer.VideoPort)
	assert.Equal(t, []string{"H264"}, offer.VideoCodecs)
}

func TestParseOfferAudioOnly(t *testing.T) {
	body := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=leelen\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
		"m=audio 7078 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n"
	offer, err := ParseOffer([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 7078, offer.AudioPort)
	assert.Zero(t, offer.VideoPort)
}

func TestParseOfferRejectsMediaLessSDP(t *testing.T) {
	body := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=leelen\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n"
	_, err := ParseOffer([]byte(body))
	assert.Error(t, err)
}

func TestParseOfferRejectsGarbage(t *testing.T) {
	_, err := ParseOffer([]byte("not an sdp body"))
	assert.Error(t, err)
}

func TestBuildAnswerRoundTrips(t *testing.T) {
	body, err := BuildAnswer("203.0.113.9", 40000, "PCMU", 0, 40002, "H264", 96)
	require.NoError(t, err)

	offer, err := ParseOffer(body)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", offer.Addr)
	assert.Equal(t, 40000, offer.AudioPort)
	assert.Equal(t, []string{"PCMU"}, offer.AudioCodecs)
	assert.Equal(t, 40002, offer.VideoPort)
	assert.Equal(t, []string{"H264"}, offer.VideoCodecs)
}

func TestBuildAnswerAudioOnly(t *testing.T) {
	body, err := BuildAnswer("203.0.113.9", 40000, "PCMU", 0, 0, "", 0)
	require.NoError(t, err)

	offer, err := ParseOffer(body)
	require.NoError(t, err)
	assert.Equal(t, 40000, offer.AudioPort)
	assert.Zero(t, offer.VideoPort)
}
