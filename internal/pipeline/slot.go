package pipeline

import (
	"sync"
	"time"
)

type SlotKind string

const (
	SlotSelf    SlotKind = "self"
	SlotPartner SlotKind = "partner"
)

// Frame is what a render slot shows.
type Frame struct {
	OwnerID    string            `json:"ownerId"`
	Image      string            `json:"image"`
	Stats      map[string]string `json:"stats,omitempty"`
	Pose       string            `json:"pose,omitempty"`
	CapturedAt time.Time         `json:"capturedAt"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// SlotUpdate is emitted on every Set and Clear. A nil Frame means the slot
// was cleared.
type SlotUpdate struct {
	Slot  SlotKind `json:"slot"`
	Seq   uint64   `json:"seq"`
	Frame *Frame   `json:"frame,omitempty"`
}

// Slot holds the latest frame for one tile. Writes are last-write-wins.
type Slot struct {
	kind   SlotKind
	notify func(SlotUpdate)

	mu    sync.Mutex
	frame *Frame
	seq   uint64
}

func NewSlot(kind SlotKind, notify func(SlotUpdate)) *Slot {
	return &Slot{kind: kind, notify: notify}
}

func (s *Slot) Set(frame Frame) {
	s.mu.Lock()
	s.seq++
	f := frame
	s.frame = &f
	update := SlotUpdate{Slot: s.kind, Seq: s.seq, Frame: &f}
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(update)
	}
}

// Clear empties the slot and reports whether it held a frame.
func (s *Slot) Clear() bool {
	s.mu.Lock()
	if s.frame == nil {
		s.mu.Unlock()
		return false
	}
	s.seq++
	s.frame = nil
	update := SlotUpdate{Slot: s.kind, Seq: s.seq}
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(update)
	}
	return true
}

func (s *Slot) Snapshot() (*Frame, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, s.seq
	}
	f := *s.frame
	return &f, s.seq
}
