package derive

// DerivationVersion0 is the only accepted version byte, prefixed to every batcher
// transaction's calldata and to the decompressed channel payload's batch-type byte
//.
const DerivationVersion0 = 0

// FrameV0 wire layout:
//
//	channel_id[16] || frame_number u16 BE || frame_data_length u32 BE ||
//	frame_data[frame_data_length] || is_last u8 (0 or 1)
const (
	ChannelIDLength    = 16
	FrameNumberLength  = 2
	FrameLengthLength  = 4
	FrameIsLastLength  = 1
	minFrameSize       = ChannelIDLength + FrameNumberLength + FrameLengthLength + FrameIsLastLength
)

// BatchV0Type is the only accepted batch-type byte in the decompressed channel stream
//.
const BatchV0Type = 0

// MaxRLPBytesPerChannel bounds a single decompressed channel's decoded size, to avoid
// zip-bomb style resource exhaustion during decompression.
const MaxRLPBytesPerChannel = 10_000_000
