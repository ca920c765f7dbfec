// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

// Package rtp implements the AirTunes RTP data plane: the UDP receiver,
// the jitter/reorder buffer and the per-packet payload decryption.
package rtp

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omnifunken/omnifunken/airtunes"
)

// PayloadCap bounds one decoded packet: 352 frames of 16 bit stereo is
// 1408 bytes, rounded up generously for oversized sender frames.
const PayloadCap = 2048

var (
	// ErrStreamEnd is returned by Take after a teardown. The buffer can
	// be re-armed by a later Record.
	ErrStreamEnd = errors.New("rtp: stream ended")
	// ErrBufferClosed is returned by Take once Close was called.
	ErrBufferClosed = errors.New("rtp: buffer closed")
)

type slotStatus uint8

const (
	slotFree slotStatus = iota
	slotFilling
	slotReady
	slotPlayed
)

type slot struct {
	status  slotStatus
	seq     uint16
	gen     uint32
	size    int
	payload [PayloadCap]byte
}

// Packet is a writable reservation inside the buffer, obtained with
// Obtain and returned with Commit or Discard. The handle carries a
// generation so a stale commit after a flush is ignored.
type Packet struct {
	Sequence    uint16
	Payload     []byte // PayloadCap bytes of backing store
	PayloadSize int

	idx int
	gen uint32
}

// SequenceRange is a run of missing sequence numbers.
type SequenceRange struct {
	First uint16
	Count uint16
}

// BufferConfig tunes NewBuffer. Zero values pick the AirTunes defaults.
type BufferConfig struct {
	// Latency is the target playout delay. The ring is sized to hold at
	// least twice this much audio.
	Latency time.Duration

	// LossDeadline is how long the consumer waits on a gap before the
	// packet is declared lost and replaced by silence. Defaults to 80%
	// of Latency.
	LossDeadline time.Duration

	// ExcludeRecent is how many of the newest sequences are left out of
	// MissingSequences to avoid racing packets still in flight.
	ExcludeRecent int

	FramesPerPacket int
	SampleRate      int

	Logger *zerolog.Logger
}

// Buffer is the jitter/reorder engine between the UDP receiver and the
// player. It is a fixed ring indexed by sequence number modulo its size,
// with one lock serializing producer and consumer; payload bytes are not
// locked, reservations are disjoint by construction.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots []slot
	mask  uint16

	hasData bool
	oldest  uint16 // next sequence the consumer reads
	newest  uint16 // highest accepted sequence

	primed     bool // playout began
	readyCount int

	torndown bool
	closed   bool

	silence       []byte
	lossDeadline  time.Duration
	excludeRecent int

	packetsLost uint64

	log zerolog.Logger
}

func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg.Latency == 0 {
		cfg.Latency = 500 * time.Millisecond
	}
	if cfg.LossDeadline == 0 {
		cfg.LossDeadline = cfg.Latency * 8 / 10
	}
	if cfg.ExcludeRecent == 0 {
		cfg.ExcludeRecent = 2
	}
	if cfg.FramesPerPacket == 0 {
		cfg.FramesPerPacket = airtunes.FramesPerPacket
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = airtunes.SampleRate
	}

	// Size for twice the configured latency, power of two, at least 128.
	packetTime := time.Duration(cfg.FramesPerPacket) * time.Second / time.Duration(cfg.SampleRate)
	need := int(2 * cfg.Latency / packetTime)
	size := 128
	for size < need {
		size <<= 1
	}

	logger := log.With().Str("caller", "rtpbuffer").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	b := &Buffer{
		slots:         make([]slot, size),
		mask:          uint16(size - 1),
		silence:       make([]byte, cfg.FramesPerPacket*airtunes.BytesPerFrame),
		lossDeadline:  cfg.LossDeadline,
		excludeRecent: cfg.ExcludeRecent,
		log:           logger,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Size returns the ring capacity in packets.
func (b *Buffer) Size() int { return len(b.slots) }

// seqDiff interprets the distance between two sequence numbers as a
// signed 16 bit value, making the 65535 -> 0 wrap transparent.
func seqDiff(a, b uint16) int {
	return int(int16(a - b))
}

// Obtain reserves the slot for seq. It returns nil for duplicates and for
// sequences too old to be placed; a sender running far ahead forces the
// oldest packets out as lost.
func (b *Buffer) Obtain(seq uint16) *Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.torndown {
		return nil
	}

	if !b.hasData {
		b.hasData = true
		b.oldest = seq
		b.newest = seq
	} else {
		if seqDiff(seq, b.oldest) < -int(b.mask+1)/2 {
			b.log.Debug().Uint16("seq", seq).Uint16("oldest", b.oldest).Msg("stale sequence, dropped")
			return nil
		}
		// Sender far ahead of the consumer: force the oldest out.
		for seqDiff(seq, b.oldest) >= len(b.slots) {
			s := &b.slots[b.oldest&b.mask]
			if s.status == slotReady && s.seq == b.oldest {
				b.readyCount--
			}
			if s.status != slotFree {
				s.status = slotFree
				s.gen++
			}
			b.packetsLost++
			b.oldest++
			b.cond.Broadcast()
		}
	}

	s := &b.slots[seq&b.mask]
	if s.status == slotReady && s.seq == seq {
		// Duplicate, already committed.
		return nil
	}

	s.status = slotFilling
	s.seq = seq
	s.gen++
	return &Packet{
		Sequence: seq,
		Payload:  s.payload[:],
		idx:      int(seq & b.mask),
		gen:      s.gen,
	}
}

// Commit marks the reservation ready and makes it visible to the
// consumer. A handle invalidated by flush or teardown is ignored.
func (b *Buffer) Commit(p *Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[p.idx]
	if s.gen != p.gen || s.status != slotFilling {
		return
	}

	s.status = slotReady
	s.size = p.PayloadSize
	b.readyCount++

	if seqDiff(p.Sequence, b.newest) > 0 {
		b.newest = p.Sequence
	}

	if !b.primed && b.readyCount >= len(b.slots)/2 {
		b.primed = true
		b.log.Debug().Uint16("oldest", b.oldest).Uint16("newest", b.newest).Msg("primed, playout starts")
	}
	b.cond.Broadcast()
}

// Discard releases a reservation without committing, used when decrypt or
// decode failed and the packet is dropped.
func (b *Buffer) Discard(p *Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[p.idx]
	if s.gen != p.gen || s.status != slotFilling {
		return
	}
	s.status = slotFree
	s.gen++
}

// Take blocks until the next in-order packet is playable and copies its
// PCM into pcm, returning the byte count. A gap that outlives the loss
// deadline yields one packet of silence instead. Sequence order is strict:
// whatever arrives behind the read position is never surfaced.
func (b *Buffer) Take(pcm []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var gapSeq uint16
	var gapSince time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if b.closed {
			return 0, ErrBufferClosed
		}
		if b.torndown {
			return 0, ErrStreamEnd
		}

		if b.hasData && b.primed {
			s := &b.slots[b.oldest&b.mask]
			if s.status == slotReady && s.seq == b.oldest {
				n := copy(pcm, s.payload[:s.size])
				s.status = slotPlayed
				s.gen++
				b.readyCount--
				b.oldest++
				return n, nil
			}

			if seqDiff(b.newest, b.oldest) > 0 {
				// Gap at the read position with newer audio behind
				// it. Give the retransmit a chance, then declare the
				// packet lost.
				now := time.Now()
				if gapSince.IsZero() || gapSeq != b.oldest {
					gapSeq = b.oldest
					gapSince = now
					if timer != nil {
						timer.Stop()
					}
					// The callback locks so the wakeup cannot slip in
					// before this goroutine reaches Wait.
					timer = time.AfterFunc(b.lossDeadline, func() {
						b.mu.Lock()
						b.cond.Broadcast()
						b.mu.Unlock()
					})
				} else if now.Sub(gapSince) >= b.lossDeadline {
					if s.status != slotFree {
						if s.status == slotReady {
							b.readyCount--
						}
						s.status = slotFree
						s.gen++
					}
					b.packetsLost++
					lost := b.oldest
					b.oldest++
					gapSince = time.Time{}
					b.log.Warn().Uint16("seq", lost).Msg("packet lost, playing silence")
					return copy(pcm, b.silence), nil
				}
			}
		}

		b.cond.Wait()
	}
}

// MissingSequences reports runs of not yet committed sequences between the
// read position and the newest accepted one, excluding the most recent few
// still likely in flight.
func (b *Buffer) MissingSequences() []SequenceRange {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hasData || b.torndown || b.closed {
		return nil
	}

	var runs []SequenceRange
	var run *SequenceRange

	end := b.newest - uint16(b.excludeRecent)
	for seq := b.oldest; seqDiff(end, seq) >= 0; seq++ {
		s := &b.slots[seq&b.mask]
		missing := s.status != slotReady || s.seq != seq
		switch {
		case missing && run == nil:
			runs = append(runs, SequenceRange{First: seq, Count: 1})
			run = &runs[len(runs)-1]
		case missing:
			run.Count++
		default:
			run = nil
		}
	}
	return runs
}

// Record anchors the stream at seq after a RECORD request, discarding any
// previous content and starting a new priming phase.
func (b *Buffer) Record(seq uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.reset()
	b.hasData = true
	b.oldest = seq
	b.newest = seq
	b.torndown = false
	b.log.Debug().Uint16("seq", seq).Msg("stream anchored")
	b.cond.Broadcast()
}

// Flush drops every packet below seq and moves the read position there.
// Packets at or above seq survive. The consumer observes the flush
// atomically: it never sees a pre-flush packet afterwards.
func (b *Buffer) Flush(seq uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.torndown {
		return
	}

	for i := range b.slots {
		s := &b.slots[i]
		if s.status == slotFree {
			continue
		}
		if seqDiff(s.seq, seq) < 0 {
			if s.status == slotReady {
				b.readyCount--
			}
			s.status = slotFree
			s.gen++
		}
	}

	if !b.hasData || seqDiff(b.newest, seq) < 0 {
		b.newest = seq
	}
	b.hasData = true
	b.oldest = seq
	b.cond.Broadcast()
}

// Teardown ends the stream: all slots are freed and a waiting consumer is
// unblocked with ErrStreamEnd. Idempotent; a later Record re-arms the
// buffer.
func (b *Buffer) Teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.reset()
	b.torndown = true
	b.cond.Broadcast()
}

// Close shuts the buffer down for good.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// WaitStream blocks until the buffer is streaming again after a teardown,
// or closed. It returns ErrBufferClosed in the latter case.
func (b *Buffer) WaitStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.torndown && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return ErrBufferClosed
	}
	return nil
}

// PacketsLost returns how many packets were declared lost or forced out.
func (b *Buffer) PacketsLost() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.packetsLost
}

// reset frees every slot. Caller holds the lock.
func (b *Buffer) reset() {
	for i := range b.slots {
		if b.slots[i].status != slotFree {
			b.slots[i].status = slotFree
			b.slots[i].gen++
		}
	}
	b.readyCount = 0
	b.hasData = false
	b.primed = false
}
