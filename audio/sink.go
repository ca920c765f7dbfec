// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package audio

import (
	"fmt"
	"sort"
	"sync"
)

// Format describes the PCM the sinks receive: signed little-endian
// interleaved frames.
type Format struct {
	SampleRate int
	SampleSize int
	Channels   int
}

// BytesPerSecond is the PCM data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.SampleSize / 8
}

// Sink is a PCM output backend. Play may block; that blocking is what
// paces the player at the audio clock.
type Sink interface {
	Name() string
	// Open prepares the device. device is backend specific: an ALSA/
	// PortAudio device name, a file path for the wav sink.
	Open(f Format, device string) error
	// Play writes interleaved little-endian frames, blocking for rate
	// control.
	Play(pcm []byte) error
	// SetVolume applies the sender volume, dB in [-30, 0] or mute.
	// Backends without hardware gain scale the samples in software.
	SetVolume(db float64) error
	Close() error
}

var (
	sinkMu   sync.Mutex
	sinkCtor = map[string]func() Sink{}
)

// RegisterSink makes a backend constructor available under name. Backends
// register themselves from init.
func RegisterSink(name string, ctor func() Sink) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sinkCtor[name] = ctor
}

// NewSink builds the backend registered under name.
func NewSink(name string) (Sink, error) {
	sinkMu.Lock()
	ctor, ok := sinkCtor[name]
	sinkMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown audio backend %q (have %v)", name, SinkNames())
	}
	return ctor(), nil
}

// SinkNames lists the registered backends.
func SinkNames() []string {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	names := make([]string, 0, len(sinkCtor))
	for name := range sinkCtor {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
