package derive

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestSourceHashDomainsDiverge(t *testing.T) {
	l1Hash := common.HexToHash("0xaa")
	userHash := UserDepositSourceHash(l1Hash, 3)
	l1InfoHash := L1InfoDepositSourceHash(l1Hash, 3)
	require.NotEqual(t, userHash, l1InfoHash, "domain 0 and domain 1 must never collide for the same (l1Hash, index)")
}

func TestSourceHashDeterministic(t *testing.T) {
	l1Hash := common.HexToHash("0xbb")
	require.Equal(t, UserDepositSourceHash(l1Hash, 5), UserDepositSourceHash(l1Hash, 5))
	require.NotEqual(t, UserDepositSourceHash(l1Hash, 5), UserDepositSourceHash(l1Hash, 6))
}

func TestDecodeL1InfoDepositTxDataRoundTrip(t *testing.T) {
	want := L1InfoDepositTxData{
		Number:         12345,
		Time:           999,
		BaseFee:        uint256.NewInt(7),
		BlockHash:      common.HexToHash("0xcc"),
		SequenceNumber: 4,
		BatcherAddr:    common.HexToAddress("0xdd"),
	}
	data, err := L1InfoDepositBytes(want)
	require.NoError(t, err)

	sourceHash := L1InfoDepositSourceHash(want.BlockHash, want.SequenceNumber)
	opaque, err := MarshalL1InfoDepositTx(data, sourceHash)
	require.NoError(t, err)

	num, seq, ok := DecodeL1InfoDepositTxData(opaque)
	require.True(t, ok)
	require.Equal(t, want.Number, num)
	require.Equal(t, want.SequenceNumber, seq)
}

func TestDecodeL1InfoDepositTxDataRejectsNonDeposit(t *testing.T) {
	_, _, ok := DecodeL1InfoDepositTxData([]byte{0x02, 0x01, 0x02})
	require.False(t, ok)
}

func TestMarshalUserDepositTxCreation(t *testing.T) {
	d := UserDeposit{
		SourceHash: UserDepositSourceHash(common.HexToHash("0xee"), 0),
		From:       common.HexToAddress("0xff"),
		Mint:       uint256.NewInt(10),
		Value:      uint256.NewInt(20),
		Gas:        21000,
		IsCreation: true,
		Data:       []byte{0x60, 0x60},
	}
	opaque, err := MarshalUserDepositTx(d)
	require.NoError(t, err)
	require.NotEmpty(t, opaque)
}
