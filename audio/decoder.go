// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

// Package audio provides the payload decoder contract, the PCM output
// sinks and the volume arithmetic of the renderer.
package audio

import (
	"fmt"

	"github.com/omnifunken/omnifunken/airtunes"
)

// FrameDecoder turns one encoded audio frame into interleaved 16 bit
// little-endian stereo PCM. Implementations are configured from the
// announced fmtp and are owned by a single goroutine.
//
// The ALAC decoder is an external collaborator satisfying this contract;
// the built-in implementation handles the uncompressed L16 stream variant
// (RAOP codec 0, advertised via cn=0,1).
type FrameDecoder interface {
	// DecodeFrame decodes frame into pcm and returns the PCM byte
	// count. pcm is sized for a full packet.
	DecodeFrame(frame, pcm []byte) (int, error)
}

// FMTP field indexes of interest. The twelve integers mirror the ALAC
// setinfo block; index 0 is the RTP payload format.
const (
	fmtpFramesPerPacket = 1
	fmtpSampleSize      = 3
	fmtpSampleRate      = 11
)

// StreamInfo is the subset of fmtp the pipeline needs.
type StreamInfo struct {
	FramesPerPacket int
	SampleSize      int
	SampleRate      int
}

// ParseStreamInfo extracts the stream parameters from the announced fmtp.
func ParseStreamInfo(fmtp []int) (StreamInfo, error) {
	if len(fmtp) < fmtpSampleRate+1 {
		return StreamInfo{}, fmt.Errorf("fmtp has %d fields, want 12", len(fmtp))
	}
	si := StreamInfo{
		FramesPerPacket: fmtp[fmtpFramesPerPacket],
		SampleSize:      fmtp[fmtpSampleSize],
		SampleRate:      fmtp[fmtpSampleRate],
	}
	if si.FramesPerPacket <= 0 || si.FramesPerPacket > airtunes.FramesPerPacket*4 {
		return StreamInfo{}, fmt.Errorf("implausible frames per packet %d", si.FramesPerPacket)
	}
	if si.SampleSize != airtunes.SampleSize {
		return StreamInfo{}, fmt.Errorf("unsupported sample size %d", si.SampleSize)
	}
	return si, nil
}

// L16Decoder handles the uncompressed stream variant: network byte order
// samples swapped to the little-endian interleaved output the sinks eat.
type L16Decoder struct {
	maxFrameBytes int
}

// NewFrameDecoder builds the default decoder for the announced fmtp.
func NewFrameDecoder(fmtp []int) (FrameDecoder, error) {
	si, err := ParseStreamInfo(fmtp)
	if err != nil {
		return nil, err
	}
	return &L16Decoder{maxFrameBytes: si.FramesPerPacket * airtunes.BytesPerFrame}, nil
}

func (d *L16Decoder) DecodeFrame(frame, pcm []byte) (int, error) {
	if len(frame)%2 != 0 {
		return 0, fmt.Errorf("odd frame length %d", len(frame))
	}
	if len(frame) > d.maxFrameBytes {
		return 0, fmt.Errorf("frame of %d bytes exceeds packet bound %d", len(frame), d.maxFrameBytes)
	}
	if len(pcm) < len(frame) {
		return 0, fmt.Errorf("pcm buffer too small: %d < %d", len(pcm), len(frame))
	}
	for i := 0; i < len(frame); i += 2 {
		pcm[i] = frame[i+1]
		pcm[i+1] = frame[i]
	}
	return len(frame), nil
}
