package derive

import "fmt"

// PendingChannel aggregates the frames sharing one ChannelID.
type PendingChannel struct {
	id ChannelID

	// FirstSeenL1Block is the number of the L1 block in which the first frame of this
	// channel was observed; used for timeout accounting.
	FirstSeenL1Block uint64

	frames    map[uint16][]byte
	size      uint64
	closed    bool // true once a frame with IsLast has been seen
	endFrame  uint16
}

func NewPendingChannel(id ChannelID, firstSeenL1Block uint64) *PendingChannel {
	return &PendingChannel{
		id:               id,
		FirstSeenL1Block: firstSeenL1Block,
		frames:           make(map[uint16][]byte),
	}
}

// AddFrame inserts a frame into the channel. Duplicate frame numbers are dropped
//.
func (p *PendingChannel) AddFrame(f Frame) error {
	if f.ID != p.id {
		return fmt.Errorf("frame id %s does not match channel id %s", f.ID, p.id)
	}
	if _, ok := p.frames[f.FrameNumber]; ok {
		return nil // duplicate, drop silently
	}
	if f.IsLast {
		if p.closed && f.FrameNumber != p.endFrame {
			return fmt.Errorf("received second is_last frame %d, already have is_last at %d", f.FrameNumber, p.endFrame)
		}
		p.closed = true
		p.endFrame = f.FrameNumber
	} else if p.closed && f.FrameNumber >= p.endFrame {
		return fmt.Errorf("frame %d is at or past the already-seen is_last frame %d", f.FrameNumber, p.endFrame)
	}
	p.frames[f.FrameNumber] = f.Data
	p.size += uint64(len(f.Data))
	return nil
}

// Size is the total number of frame-data bytes buffered for this channel, used for
// max_channel_size accounting.
func (p *PendingChannel) Size() uint64 {
	return p.size
}

// IsReady reports whether frames 0..=endFrame have all been received and the terminal
// frame has been observed.
func (p *PendingChannel) IsReady() bool {
	if !p.closed {
		return false
	}
	for i := uint16(0); i <= p.endFrame; i++ {
		if _, ok := p.frames[i]; !ok {
			return false
		}
	}
	return true
}

// Assemble concatenates frames 0..=endFrame in order. Must only be called once IsReady.
func (p *PendingChannel) Assemble() []byte {
	out := make([]byte, 0, p.size)
	for i := uint16(0); i <= p.endFrame; i++ {
		out = append(out, p.frames[i]...)
	}
	return out
}
