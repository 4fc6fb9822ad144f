package leelenmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/leelenproto"
)

func mustNumber(t *testing.T, s string) leelennum.Number {
	t.Helper()
	n, err := leelennum.Parse(s, nil)
	require.NoError(t, err)
	return n
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := Message{
		Code:         leelenproto.CodeCall,
		ID:           0x1234,
		From:         mustNumber(t, "1001-0203"),
		FromType:     1,
		To:           mustNumber(t, "1001-0204"),
		AudioFormats: []string{"PCMU"},
		AudioPort:    7078,
		VideoFormats: []string{"H264"},
		VideoPort:    9078,
	}

	raw := m.Marshal()
	got, err := Unmarshal(raw, false, false)
	require.NoError(t, err)

	assert.Equal(t, m.Code, got.Code)
	assert.Equal(t, m.ID, got.ID)
	assert.True(t, m.From.Equal(got.From))
	assert.True(t, m.To.Equal(got.To))
	assert.Equal(t, m.FromType, got.FromType)
	assert.Equal(t, m.AudioFormats, got.AudioFormats)
	assert.Equal(t, m.AudioPort, got.AudioPort)
	assert.Equal(t, m.VideoFormats, got.VideoFormats)
	assert.Equal(t, m.VideoPort, got.VideoPort)
}

func TestUnmarshalSkipsFormatsWhenRequested(t *testing.T) {
	m := Message{
		Code:         leelenproto.CodeCall,
		ID:           1,
		From:         mustNumber(t, "1001-0203"),
		To:           mustNumber(t, "1001-0204"),
		AudioFormats: []string{"PCMU"},
		AudioPort:    7078,
	}
	got, err := Unmarshal(m.Marshal(), true, true)
	require.NoError(t, err)
	assert.Nil(t, got.AudioFormats)
	assert.Equal(t, 7078, got.AudioPort)
}

func TestUnmarshalRejectsShortMessage(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3}, false, false)
	assert.Error(t, err)
}

func TestUnmarshalRejectsMissingFromHeader(t *testing.T) {
	raw := make([]byte, leelenproto.MinMessageSize+4)
	copy(raw[leelenproto.MessageHeaderSize:], "Nope=xxxxxxxxxxxxxxxxxxxxxxx")
	_, err := Unmarshal(raw, false, false)
	assert.Error(t, err)
}

func TestReplyOKSwapsFromTo(t *testing.T) {
	req := Message{
		Code: leelenproto.CodeCall,
		ID:   7,
		From: mustNumber(t, "1001-0203"),
		To:   mustNumber(t, "1001-0204"),
	}
	reply := ReplyOK(req, 4)
	assert.Equal(t, leelenproto.CodeOK, reply.Code)
	assert.Equal(t, req.ID, reply.ID)
	assert.True(t, reply.From.Equal(req.To))
	assert.True(t, reply.To.Equal(req.From))
	assert.Equal(t, 4, reply.FromType)
}
