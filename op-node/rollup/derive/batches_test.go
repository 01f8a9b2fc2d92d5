package derive

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	want := []*BatchData{
		{
			ParentHash:   common.HexToHash("0x01"),
			EpochNum:     42,
			EpochHash:    common.HexToHash("0x02"),
			Timestamp:    1000,
			Transactions: [][]byte{{0xde, 0xad}, {0xbe, 0xef}},
		},
		{
			ParentHash:   common.HexToHash("0x03"),
			EpochNum:     43,
			EpochHash:    common.HexToHash("0x04"),
			Timestamp:    1002,
			Transactions: nil,
		},
	}

	var buf []byte
	for _, b := range want {
		encoded, err := EncodeBatch(b)
		require.NoError(t, err)
		buf = append(buf, encoded...)
	}

	got, err := DecodeBatches(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeBatchesStopsAtUnrecognizedType(t *testing.T) {
	b := &BatchData{ParentHash: common.HexToHash("0x01"), EpochNum: 1, Timestamp: 5}
	encoded, err := EncodeBatch(b)
	require.NoError(t, err)

	buf := append(append([]byte{}, encoded...), 0x7f, 0x00, 0x01)
	got, err := DecodeBatches(buf)
	require.Error(t, err)
	require.Equal(t, []*BatchData{b}, got)
}
