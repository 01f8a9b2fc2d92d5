package derive

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// encodeFrame builds the raw bytes for a single frame, the inverse of parseFrame, for
// use as test fixtures.
func encodeFrame(f Frame) []byte {
	out := make([]byte, 0, minFrameSize+len(f.Data))
	out = append(out, f.ID[:]...)

	frameNum := make([]byte, FrameNumberLength)
	binary.BigEndian.PutUint16(frameNum, f.FrameNumber)
	out = append(out, frameNum...)

	frameLen := make([]byte, FrameLengthLength)
	binary.BigEndian.PutUint32(frameLen, uint32(len(f.Data)))
	out = append(out, frameLen...)

	out = append(out, f.Data...)
	if f.IsLast {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

func TestParseFramesRoundTrip(t *testing.T) {
	id := ChannelID{1, 2, 3}
	frames := []Frame{
		{ID: id, FrameNumber: 0, Data: []byte("hello "), IsLast: false},
		{ID: id, FrameNumber: 1, Data: []byte("world"), IsLast: true},
	}

	buf := []byte{DerivationVersion0}
	for _, f := range frames {
		buf = append(buf, encodeFrame(f)...)
	}

	got, err := ParseFrames(buf)
	require.NoError(t, err)
	require.Equal(t, frames, got)
}

func TestParseFramesRejectsUnknownVersion(t *testing.T) {
	_, err := ParseFrames([]byte{0x7f, 0x00})
	require.Error(t, err)
}

func TestParseFramesKeepsValidPrefixOnTruncatedSuffix(t *testing.T) {
	id := ChannelID{9}
	good := Frame{ID: id, FrameNumber: 0, Data: []byte("ok"), IsLast: true}

	buf := []byte{DerivationVersion0}
	buf = append(buf, encodeFrame(good)...)
	buf = append(buf, 0, 1, 2) // truncated second frame header

	got, err := ParseFrames(buf)
	require.NoError(t, err)
	require.Equal(t, []Frame{good}, got)
}

func TestParseFramesEmptyInput(t *testing.T) {
	_, err := ParseFrames(nil)
	require.Error(t, err)
}
