// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package audio

import "time"

func init() {
	RegisterSink("null", func() Sink { return &nullSink{} })
}

// nullSink discards PCM but sleeps the audio duration away, so the player
// keeps real-time cadence without hardware. Volume is accepted and has
// nothing to act on.
type nullSink struct {
	SoftVolume

	format Format
	next   time.Time
}

func (s *nullSink) Name() string { return "null" }

func (s *nullSink) Open(f Format, device string) error {
	s.format = f
	s.next = time.Now()
	return nil
}

func (s *nullSink) Play(pcm []byte) error {
	d := time.Duration(len(pcm)) * time.Second / time.Duration(s.format.BytesPerSecond())
	s.next = s.next.Add(d)
	if wait := time.Until(s.next); wait > 0 {
		time.Sleep(wait)
	} else if wait < -time.Second {
		// Fell badly behind, e.g. after a teardown pause. Resync.
		s.next = time.Now()
	}
	return nil
}

func (s *nullSink) Close() error { return nil }
