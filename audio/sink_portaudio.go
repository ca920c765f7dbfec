// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/omnifunken/omnifunken/airtunes"
)

func init() {
	RegisterSink("portaudio", func() Sink { return &portaudioSink{} })
}

// portaudioSink plays through the default (or named) PortAudio output
// device using the blocking write API; Pa_WriteStream provides the rate
// control. PortAudio exposes no per-stream gain, so volume is applied in
// software.
type portaudioSink struct {
	SoftVolume

	stream *portaudio.Stream
	buf    []int16
	format Format
}

func (s *portaudioSink) Name() string { return "portaudio" }

func (s *portaudioSink) Open(f Format, device string) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: %w", err)
	}

	s.format = f

	out, err := s.outputDevice(device)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	frames := airtunes.FramesPerPacket
	s.buf = make([]int16, frames*f.Channels)

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   out,
			Channels: f.Channels,
			Latency:  out.DefaultLowOutputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: frames,
	}

	stream, err := portaudio.OpenStream(params, s.buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio open: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio start: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *portaudioSink) outputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio default device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio devices: %w", err)
	}
	for _, dev := range devices {
		if dev.Name == name && dev.MaxOutputChannels >= s.format.Channels {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("portaudio device %q not found", name)
}

// Play writes one buffer worth at a time, zero padding the tail so the
// stream only ever sees full period buffers.
func (s *portaudioSink) Play(pcm []byte) error {
	if s.stream == nil {
		return fmt.Errorf("portaudio sink is not open")
	}

	s.Apply(pcm)

	for off := 0; off < len(pcm); off += len(s.buf) * 2 {
		chunk := pcm[off:min(len(pcm), off+len(s.buf)*2)]
		n := len(chunk) / 2
		for i := 0; i < n; i++ {
			s.buf[i] = int16(binary.LittleEndian.Uint16(chunk[2*i : 2*i+2]))
		}
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			return err
		}
	}
	return nil
}

func (s *portaudioSink) Close() error {
	if s.stream == nil {
		return nil
	}
	s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	portaudio.Terminate()
	return err
}
