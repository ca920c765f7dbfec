// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

// Package omnifunken wires the RAOP control plane, the RTP data plane and
// the audio output into a network media renderer: an AirPlay v1 / AirTunes
// receiver that iTunes and iOS devices discover and stream to.
package omnifunken

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omnifunken/omnifunken/airtunes"
	"github.com/omnifunken/omnifunken/audio"
	"github.com/omnifunken/omnifunken/rtp"
	"github.com/omnifunken/omnifunken/rtsp"
	"github.com/omnifunken/omnifunken/zeroconf"
)

// Receiver is the assembled renderer. Build with New, run with Serve.
type Receiver struct {
	name       string
	port       int
	latency    time.Duration
	sinkName   string
	sinkDevice string
	rsaKey     *rsa.PrivateKey
	decoder    rtp.DecoderFactory
	hwaddr     net.HardwareAddr
	announce   bool

	server  *rtsp.Server
	buffer  *rtp.Buffer
	rtpRecv *rtp.Receiver
	player  *Player
	sink    audio.Sink

	log zerolog.Logger
}

type Option func(*Receiver)

// WithName sets the advertised service name.
func WithName(name string) Option {
	return func(r *Receiver) { r.name = name }
}

// WithPort sets the RTSP control port. Default 5002.
func WithPort(port int) Option {
	return func(r *Receiver) { r.port = port }
}

// WithLatency sets the playout delay the jitter buffer is sized for.
func WithLatency(latency time.Duration) Option {
	return func(r *Receiver) { r.latency = latency }
}

// WithSink selects the audio backend and its device string.
func WithSink(name, device string) Option {
	return func(r *Receiver) {
		r.sinkName = name
		r.sinkDevice = device
	}
}

// WithRSAKey supplies the AirPort private key used to answer
// Apple-Challenge and unwrap RSA wrapped session keys.
func WithRSAKey(key *rsa.PrivateKey) Option {
	return func(r *Receiver) { r.rsaKey = key }
}

// WithDecoderFactory replaces the payload decoder construction, e.g. to
// plug in an ALAC implementation.
func WithDecoderFactory(f rtp.DecoderFactory) Option {
	return func(r *Receiver) { r.decoder = f }
}

// WithHardwareAddr overrides the MAC address used for the service
// instance name and the challenge response.
func WithHardwareAddr(hwaddr net.HardwareAddr) Option {
	return func(r *Receiver) { r.hwaddr = hwaddr }
}

// WithZeroconf toggles mDNS advertisement. On by default.
func WithZeroconf(enabled bool) Option {
	return func(r *Receiver) { r.announce = enabled }
}

func New(opts ...Option) (*Receiver, error) {
	r := &Receiver{
		name:     "OmniFunken",
		port:     5002,
		latency:  500 * time.Millisecond,
		sinkName: "null",
		announce: true,
		log:      log.With().Str("caller", "receiver").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.hwaddr == nil {
		r.hwaddr = macAddress()
	}

	sink, err := audio.NewSink(r.sinkName)
	if err != nil {
		return nil, err
	}
	r.sink = sink

	r.buffer = rtp.NewBuffer(rtp.BufferConfig{Latency: r.latency})
	r.rtpRecv = rtp.NewReceiver(rtp.ReceiverConfig{
		Buffer:     r.buffer,
		NewDecoder: r.decoder,
	})
	r.player = NewPlayer(r.buffer, sink)
	r.server = rtsp.NewServer(rtsp.ServerConfig{
		Handler:      &pipeline{r},
		HardwareAddr: r.hwaddr,
		RSAKey:       r.rsaKey,
	})

	return r, nil
}

// Serve runs the receiver until ctx is canceled. Binding the control port
// fails fast; everything after is resilient.
func (r *Receiver) Serve(ctx context.Context) error {
	if err := r.sink.Open(audio.Format{
		SampleRate: airtunes.SampleRate,
		SampleSize: airtunes.SampleSize,
		Channels:   airtunes.Channels,
	}, r.sinkDevice); err != nil {
		return fmt.Errorf("opening audio sink: %w", err)
	}

	if err := r.server.Listen(fmt.Sprintf(":%d", r.port)); err != nil {
		r.sink.Close()
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.server.Serve() }()

	playerDone := make(chan struct{})
	go func() {
		r.player.Run()
		close(playerDone)
	}()

	if r.announce {
		if err := zeroconf.Announce(ctx, r.name, r.hwaddr, r.port); err != nil {
			// Streaming still works for senders that know the address.
			r.log.Warn().Err(err).Msg("zeroconf announcement failed")
		}
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	r.server.Close()
	r.rtpRecv.Teardown()
	r.buffer.Close()
	<-playerDone
	r.sink.Close()
	r.log.Info().Msg("receiver stopped")
	return err
}

// Port returns the bound RTSP port, valid while serving.
func (r *Receiver) Port() int {
	return r.server.Port()
}

// pipeline adapts the RTSP session events onto the data plane, the
// equivalent of the original signal wiring between server, receiver,
// buffer and player.
type pipeline struct {
	r *Receiver
}

func (p *pipeline) Announce(a rtsp.Announcement) error {
	return p.r.rtpRecv.Announce(a)
}

func (p *pipeline) SenderSocket(pt airtunes.PayloadType, port uint16) {
	p.r.rtpRecv.SenderSocket(pt, port)
}

func (p *pipeline) BindSocket(pt airtunes.PayloadType) (uint16, error) {
	return p.r.rtpRecv.BindSocket(pt)
}

func (p *pipeline) Record(seq uint16) {
	p.r.buffer.Record(seq)
}

func (p *pipeline) Flush(seq uint16) {
	p.r.buffer.Flush(seq)
}

func (p *pipeline) Teardown() {
	p.r.rtpRecv.Teardown()
	p.r.buffer.Teardown()
}

func (p *pipeline) SetVolume(db float64) {
	if err := p.r.sink.SetVolume(db); err != nil {
		p.r.log.Warn().Err(err).Float64("db", db).Msg("sink volume failed")
	}
}

// macAddress picks the MAC of the first non-loopback interface with a 6
// byte hardware address, whether or not it is up, falling back to a fixed
// address when there is none.
func macAddress() net.HardwareAddr {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
				continue
			}
			return iface.HardwareAddr
		}
	}
	return net.HardwareAddr{0x00, 0x51, 0x52, 0x53, 0x54, 0x55}
}
