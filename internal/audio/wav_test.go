package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPCMToWAVHeader(t *testing.T) {
	pcm := SamplesToPCM([]int16{1, -1, 300})
	wav := PCMToWAV(pcm, 16000, 1, 2)

	require.Len(t, wav, 44+len(pcm))
	require.Equal(t, "RIFF", string(wav[0:4]))
	require.Equal(t, "WAVE", string(wav[8:12]))
	require.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:8]))
	require.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))
	require.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	require.Equal(t, uint32(32000), binary.LittleEndian.Uint32(wav[28:32]))
	require.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))
	require.Equal(t, "data", string(wav[36:40]))
	require.Equal(t, pcm, wav[44:])
}

func TestSamplesToPCM(t *testing.T) {
	require.Equal(t, []byte{0x01, 0x00, 0xff, 0xff}, SamplesToPCM([]int16{1, -1}))
}
