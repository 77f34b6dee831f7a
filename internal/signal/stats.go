package signal

import "time"

// Stats is the derived stream summary recomputed on each broadcast flush.
type Stats struct {
	BPM          uint32
	HasBPM       bool
	Quality      float32
	SamplesTotal uint64
	SequenceGaps uint64
	Battery      uint8
	HasBattery   bool
	LastSample   time.Time
}
