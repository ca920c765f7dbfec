// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package audio

import (
	"encoding/binary"
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func init() {
	RegisterSink("wav", func() Sink { return &wavSink{} })
}

// wavSink renders the stream into a RIFF/WAVE file. device is the target
// path. Mostly useful for debugging a sender without speakers attached.
type wavSink struct {
	SoftVolume

	file   *os.File
	enc    *wav.Encoder
	format Format
}

func (s *wavSink) Name() string { return "wav" }

func (s *wavSink) Open(f Format, device string) error {
	if device == "" {
		device = "omnifunken.wav"
	}
	file, err := os.OpenFile(device, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wav sink: %w", err)
	}
	s.file = file
	s.format = f
	s.enc = wav.NewEncoder(file, f.SampleRate, f.SampleSize, f.Channels, 1)
	return nil
}

func (s *wavSink) Play(pcm []byte) error {
	if s.enc == nil {
		return fmt.Errorf("wav sink is not open")
	}

	s.Apply(pcm)

	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i : 2*i+2])))
	}

	buf := &gaudio.IntBuffer{
		Format: &gaudio.Format{
			NumChannels: s.format.Channels,
			SampleRate:  s.format.SampleRate,
		},
		Data:           data,
		SourceBitDepth: s.format.SampleSize,
	}
	return s.enc.Write(buf)
}

func (s *wavSink) Close() error {
	if s.enc == nil {
		return nil
	}
	if err := s.enc.Close(); err != nil {
		s.file.Close()
		return err
	}
	s.enc = nil
	return s.file.Close()
}
