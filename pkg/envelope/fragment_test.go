package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFragmentPassesThroughSmallPayload(t *testing.T) {
	payload := []byte("small payload")
	framed, ok, err := Fragment(payload)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, payload, framed)
}

func TestFragmentReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, FragmentThreshold+1000)
	framed, ok, err := Fragment(payload)
	require.NoError(t, err)
	require.True(t, ok)

	reassembled, err := Reassemble(framed)
	require.NoError(t, err)
	require.Equal(t, payload, reassembled)
}

func TestReassembleToleratesLostParityShards(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, FragmentThreshold+500)
	framed, ok, err := Fragment(payload)
	require.NoError(t, err)
	require.True(t, ok)

	shardSize := int(getUint32(framed[4:8]))
	body := framed[8:]

	for i := TotalShards - ParityShards; i < TotalShards; i++ {
		for j := i * shardSize; j < (i+1)*shardSize; j++ {
			body[j] = 0
		}
	}

	reassembled, err := Reassemble(framed)
	require.NoError(t, err)
	require.Equal(t, payload, reassembled)
}

func TestReassembleFailsWithTooFewShards(t *testing.T) {
	payload := bytes.Repeat([]byte{0x11}, FragmentThreshold+500)
	framed, ok, err := Fragment(payload)
	require.NoError(t, err)
	require.True(t, ok)

	shardSize := int(getUint32(framed[4:8]))
	body := framed[8:]

	for i := 0; i < TotalShards-DataShards+1; i++ {
		for j := i * shardSize; j < (i+1)*shardSize; j++ {
			body[j] = 0
		}
	}

	_, err = Reassemble(framed)
	require.ErrorIs(t, err, ErrFragmentTooFewShards)
}

func TestReassembleRejectsMalformedHeader(t *testing.T) {
	_, err := Reassemble(make([]byte, 4))
	require.ErrorIs(t, err, ErrFragmentMalformed)
}
