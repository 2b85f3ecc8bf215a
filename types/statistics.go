package types

import (
	"go.uber.org/atomic"
)

type StatisticsPictures struct {
	Decoded     uint64 `json:",omitempty"`
	Undecodable uint64 `json:",omitempty"`
	Failed      uint64 `json:",omitempty"`
}

type StatisticsReferences struct {
	Visible    uint64 `json:",omitempty"`
	Concealed  uint64 `json:",omitempty"`
	Dropped    uint64 `json:",omitempty"`
	Duplicates uint64 `json:",omitempty"`
}

type StatisticsSlices struct {
	Valid   uint64 `json:",omitempty"`
	Skipped uint64 `json:",omitempty"`
	Phantom uint64 `json:",omitempty"`
	Bytes   uint64 `json:",omitempty"`
}

type StatisticsResources struct {
	FrameStoreIDExhausted uint64 `json:",omitempty"`
	MVBufferExhausted     uint64 `json:",omitempty"`
	ScratchReallocations  uint64 `json:",omitempty"`
	ChromaInitializations uint64 `json:",omitempty"`
}

// Statistics is a snapshot of the counters of a decode session.
type Statistics struct {
	Pictures   StatisticsPictures
	References StatisticsReferences
	Slices     StatisticsSlices
	Resources  StatisticsResources
}

type CountersPictures struct {
	Decoded     atomic.Uint64
	Undecodable atomic.Uint64
	Failed      atomic.Uint64
}

type CountersReferences struct {
	Visible    atomic.Uint64
	Concealed  atomic.Uint64
	Dropped    atomic.Uint64
	Duplicates atomic.Uint64
}

type CountersSlices struct {
	Valid   atomic.Uint64
	Skipped atomic.Uint64
	Phantom atomic.Uint64
	Bytes   atomic.Uint64
}

type CountersResources struct {
	FrameStoreIDExhausted atomic.Uint64
	MVBufferExhausted     atomic.Uint64
	ScratchReallocations  atomic.Uint64
	ChromaInitializations atomic.Uint64
}

// Counters are the live statistics of a decode session. They may be read
// concurrently with the session.
type Counters struct {
	Pictures   CountersPictures
	References CountersReferences
	Slices     CountersSlices
	Resources  CountersResources
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) ToStats() Statistics {
	return Statistics{
		Pictures: StatisticsPictures{
			Decoded:     c.Pictures.Decoded.Load(),
			Undecodable: c.Pictures.Undecodable.Load(),
			Failed:      c.Pictures.Failed.Load(),
		},
		References: StatisticsReferences{
			Visible:    c.References.Visible.Load(),
			Concealed:  c.References.Concealed.Load(),
			Dropped:    c.References.Dropped.Load(),
			Duplicates: c.References.Duplicates.Load(),
		},
		Slices: StatisticsSlices{
			Valid:   c.Slices.Valid.Load(),
			Skipped: c.Slices.Skipped.Load(),
			Phantom: c.Slices.Phantom.Load(),
			Bytes:   c.Slices.Bytes.Load(),
		},
		Resources: StatisticsResources{
			FrameStoreIDExhausted: c.Resources.FrameStoreIDExhausted.Load(),
			MVBufferExhausted:     c.Resources.MVBufferExhausted.Load(),
			ScratchReallocations:  c.Resources.ScratchReallocations.Load(),
			ChromaInitializations: c.Resources.ChromaInitializations.Load(),
		},
	}
}
