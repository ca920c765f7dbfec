// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omnifunken/omnifunken/airtunes"
	"github.com/omnifunken/omnifunken/audio"
	"github.com/omnifunken/omnifunken/rtsp"
)

const (
	rtpHeaderSize = 12

	// retransmitPrefix is the extra framing a RetransmitResponse carries
	// before the embedded original audio packet.
	retransmitPrefix = 4
)

// DecoderFactory builds a frame decoder from the announced fmtp integers.
type DecoderFactory func(fmtp []int) (audio.FrameDecoder, error)

// ReceiverConfig configures NewReceiver. Buffer is required.
type ReceiverConfig struct {
	Buffer *Buffer

	// NewDecoder builds the payload decoder on each announce. Defaults
	// to audio.NewFrameDecoder.
	NewDecoder DecoderFactory

	// RetryInterval is the retransmit request cadence.
	RetryInterval time.Duration

	Logger *zerolog.Logger
}

// Receiver owns the audio UDP socket. It classifies incoming datagrams,
// reframes retransmit responses onto the audio path, decrypts and decodes
// payloads into buffer slots, and periodically requests retransmission of
// whatever the buffer reports missing.
type Receiver struct {
	buf           *Buffer
	newDecoder    DecoderFactory
	retryInterval time.Duration

	mu         sync.Mutex
	conn       *net.UDPConn
	crypt      *Decryptor
	dec        audio.FrameDecoder
	senderAddr net.IP
	senderCtrl uint16
	retryStop  chan struct{}
	wg         sync.WaitGroup

	decodeErrs atomic.Uint64

	log zerolog.Logger
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = func(fmtp []int) (audio.FrameDecoder, error) {
			return audio.NewFrameDecoder(fmtp)
		}
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 25 * time.Millisecond
	}
	logger := log.With().Str("caller", "rtpreceiver").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Receiver{
		buf:           cfg.Buffer,
		newDecoder:    cfg.NewDecoder,
		retryInterval: cfg.RetryInterval,
		log:           logger,
	}
}

// Announce drops any previous stream state and configures the receiver
// for a new one: cipher, decoder, retransmit timer.
func (r *Receiver) Announce(a rtsp.Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.teardownLocked()

	crypt, err := NewDecryptor(a.RSAAESKey, a.AESIV)
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	dec, err := r.newDecoder(a.FMTP)
	if err != nil {
		return fmt.Errorf("announce: creating decoder: %w", err)
	}

	r.crypt = crypt
	r.dec = dec
	r.senderAddr = a.SenderAddr
	if a.SenderControlPort != 0 {
		r.senderCtrl = a.SenderControlPort
	}

	r.retryStop = make(chan struct{})
	r.wg.Add(1)
	go r.retransmitLoop(r.retryStop)

	r.log.Info().Str("sender", a.SenderAddr.String()).Ints("fmtp", a.FMTP).Msg("announced")
	return nil
}

// SenderSocket learns the sender side rendezvous port for payload type pt.
func (r *Receiver) SenderSocket(pt airtunes.PayloadType, port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch pt {
	case airtunes.RetransmitRequest:
		r.senderCtrl = port
	default:
		// Timing rendezvous is unused while sync handling is absent.
	}
}

// BindSocket lazily binds the audio socket on an ephemeral port and
// reports the chosen port for the SETUP response.
func (r *Receiver) BindSocket(pt airtunes.PayloadType) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			return 0, fmt.Errorf("binding %s socket: %w", pt, err)
		}
		r.conn = conn
		r.wg.Add(1)
		go r.readLoop(conn)
		r.log.Debug().Str("addr", conn.LocalAddr().String()).Msg("audio socket bound")
	}

	return uint16(r.conn.LocalAddr().(*net.UDPAddr).Port), nil
}

// Teardown closes the socket, stops the retransmit timer and zeroes the
// key material. Idempotent.
func (r *Receiver) Teardown() {
	r.mu.Lock()
	r.teardownLocked()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Receiver) teardownLocked() {
	if r.retryStop != nil {
		close(r.retryStop)
		r.retryStop = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	if r.crypt != nil {
		r.crypt.Close()
		r.crypt = nil
	}
	r.dec = nil
	r.senderCtrl = 0
}

// DecodeErrors reports dropped packets due to decrypt/decode failures.
func (r *Receiver) DecodeErrors() uint64 {
	return r.decodeErrs.Load()
}

func (r *Receiver) readLoop(conn *net.UDPConn) {
	defer r.wg.Done()

	buf := make([]byte, PayloadCap)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Warn().Err(err).Msg("audio socket read")
			}
			return
		}
		r.handleDatagram(buf[:n])
	}
}

func (r *Receiver) handleDatagram(data []byte) {
	if len(data) < rtpHeaderSize {
		r.log.Debug().Int("size", len(data)).Msg("short datagram dropped")
		return
	}

	switch pt := airtunes.PayloadType(data[1] & 0x7f); pt {
	case airtunes.Sync:
		// Clock recovery is not implemented; playback is paced by the
		// sink.
		r.log.Debug().Msg("sync packet ignored")

	case airtunes.RetransmitResponse:
		// The datagram embeds the original audio packet 4 bytes in; the
		// original sequence number sits at offset 6. Reframe and treat
		// as audio.
		if len(data) < rtpHeaderSize+retransmitPrefix {
			r.log.Debug().Int("size", len(data)).Msg("broken retransmit response dropped")
			return
		}
		seq := binary.BigEndian.Uint16(data[6:8])
		r.handleAudio(seq, data[rtpHeaderSize+retransmitPrefix:])

	case airtunes.AudioData:
		hdr := pionrtp.Header{}
		n, err := hdr.Unmarshal(data)
		if err != nil {
			r.log.Debug().Err(err).Msg("unparseable rtp header dropped")
			return
		}
		r.handleAudio(hdr.SequenceNumber, data[n:])

	default:
		r.log.Warn().Stringer("payload_type", pt).Msg("illegal payload type")
	}
}

func (r *Receiver) handleAudio(seq uint16, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.crypt == nil || r.dec == nil {
		// Datagram raced an announce or teardown.
		return
	}

	pkt := r.buf.Obtain(seq)
	if pkt == nil {
		return
	}

	var plain [PayloadCap]byte
	r.crypt.Decrypt(payload, plain[:len(payload)])

	n, err := r.dec.DecodeFrame(plain[:len(payload)], pkt.Payload)
	if err != nil {
		r.decodeErrs.Add(1)
		r.buf.Discard(pkt)
		r.log.Warn().Err(err).Uint16("seq", seq).Msg("frame decode failed, packet dropped")
		return
	}
	pkt.PayloadSize = n
	r.buf.Commit(pkt)
}

// retransmitLoop periodically turns the buffer's missing ranges into
// AirTunes resend requests towards the sender control port.
func (r *Receiver) retransmitLoop(stop chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		conn := r.conn
		addr := r.senderAddr
		port := r.senderCtrl
		r.mu.Unlock()

		if conn == nil || port == 0 {
			continue
		}

		for _, sr := range r.buf.MissingSequences() {
			r.log.Debug().Uint16("first", sr.First).Uint16("count", sr.Count).Msg("requesting retransmit")
			req := retransmitRequest(sr)
			if _, err := conn.WriteToUDP(req[:], &net.UDPAddr{IP: addr, Port: int(port)}); err != nil {
				// Sender control port may be gone mid-session; the
				// next tick retries.
				r.log.Warn().Err(err).Msg("retransmit request send failed")
			}
		}
	}
}

// retransmitRequest encodes the Apple resend datagram. This is not a
// standard RTCP NACK; the framing must be byte exact.
func retransmitRequest(sr SequenceRange) [8]byte {
	var req [8]byte
	req[0] = 0x80
	req[1] = 0x55 | 0x80                    // Apple 'resend'
	binary.BigEndian.PutUint16(req[2:4], 1) // our seqnum
	binary.BigEndian.PutUint16(req[4:6], sr.First)
	binary.BigEndian.PutUint16(req[6:8], sr.Count)
	return req
}
