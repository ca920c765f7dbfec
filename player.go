// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package omnifunken

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omnifunken/omnifunken/audio"
	"github.com/omnifunken/omnifunken/rtp"
)

// Player is the buffer consumer. It runs on its own goroutine, pulls
// in-order PCM packets and pushes them into the sink, whose blocking
// Play call provides the playback clock.
type Player struct {
	buf  *rtp.Buffer
	sink audio.Sink

	log zerolog.Logger
}

func NewPlayer(buf *rtp.Buffer, sink audio.Sink) *Player {
	return &Player{
		buf:  buf,
		sink: sink,
		log:  log.With().Str("caller", "player").Logger(),
	}
}

// Run consumes the buffer until it is closed. Between sessions it parks
// on the buffer waiting for the next stream.
func (p *Player) Run() {
	pcm := make([]byte, rtp.PayloadCap)
	for {
		n, err := p.buf.Take(pcm)
		if err != nil {
			if errors.Is(err, rtp.ErrStreamEnd) {
				p.log.Debug().Msg("stream ended, idling")
				if err := p.buf.WaitStream(); err != nil {
					return
				}
				continue
			}
			return
		}

		if err := p.sink.Play(pcm[:n]); err != nil {
			p.log.Warn().Err(err).Msg("sink write failed")
		}
	}
}
