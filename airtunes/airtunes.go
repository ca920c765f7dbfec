// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

// Package airtunes holds the wire constants of Apple's RAOP/AirTunes v1
// protocol as spoken by iTunes and iOS senders.
package airtunes

import "strconv"

// Audio stream parameters fixed by the protocol. Senders always packetize
// 352 frames of 16 bit stereo at 44.1 kHz per RTP packet.
const (
	FramesPerPacket = 352
	SampleRate      = 44100
	SampleSize      = 16
	Channels        = 2
)

// BytesPerFrame is the size of one decoded PCM frame (interleaved LR).
const BytesPerFrame = Channels * SampleSize / 8

// PacketTime is the wall clock duration covered by one audio packet,
// expressed in nanoseconds to stay integer. 352/44100 s ~= 7.98 ms.
const PacketTime = FramesPerPacket * 1_000_000_000 / SampleRate

// PayloadType is the 7 bit RTP payload type field. AirTunes repurposes the
// dynamic range for its own control packets.
type PayloadType uint8

const (
	TimingRequest      PayloadType = 82
	TimingResponse     PayloadType = 83
	Sync               PayloadType = 84
	RetransmitRequest  PayloadType = 85
	RetransmitResponse PayloadType = 86
	AudioData          PayloadType = 96
)

func (p PayloadType) String() string {
	switch p {
	case TimingRequest:
		return "timing-request"
	case TimingResponse:
		return "timing-response"
	case Sync:
		return "sync"
	case RetransmitRequest:
		return "retransmit-request"
	case RetransmitResponse:
		return "retransmit-response"
	case AudioData:
		return "audio-data"
	}
	return "unknown(" + strconv.Itoa(int(p)) + ")"
}
