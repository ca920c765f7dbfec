// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package rtsp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/omnifunken/omnifunken/rtsp/sdp"
)

const (
	aesKeySize = 16
	fmtpFields = 12
)

// Announcement carries everything the data plane needs from ANNOUNCE and
// SETUP: the stream cipher material, the codec parameters and the sender
// rendezvous. Immutable once handed to the receiver.
type Announcement struct {
	// RSAAESKey is the unwrapped 16 byte AES-128 session key.
	RSAAESKey []byte
	// AESIV is the 16 byte CBC initialization vector, reset per packet.
	AESIV []byte
	// FMTP are the 12 integers of "a=fmtp:96 ..." configuring the frame
	// decoder. FMTP[1] is frames per packet, FMTP[11] the sample rate.
	FMTP []int

	// SenderAddr is the control peer address, taken from the RTSP
	// connection. SenderControlPort is filled during SETUP.
	SenderAddr        net.IP
	SenderControlPort uint16
}

// parseAnnouncement extracts the session parameters from an ANNOUNCE SDP
// body. The AES key arrives RSA-OAEP wrapped by iTunes; a raw 16 byte key
// is accepted when no private key is configured.
func parseAnnouncement(body []byte, key *rsa.PrivateKey, senderAddr net.IP) (Announcement, error) {
	a := Announcement{SenderAddr: senderAddr}

	sd := sdp.SessionDescription{}
	if err := sdp.Unmarshal(body, &sd); err != nil {
		return a, fmt.Errorf("parsing announce sdp: %w", err)
	}

	keyB64, ok := sd.Attribute("rsaaeskey")
	if !ok {
		return a, fmt.Errorf("sdp missing rsaaeskey attribute")
	}
	wrapped, err := decodeBase64(keyB64)
	if err != nil {
		return a, fmt.Errorf("decoding rsaaeskey: %w", err)
	}
	a.RSAAESKey, err = unwrapAESKey(wrapped, key)
	if err != nil {
		return a, err
	}

	ivB64, ok := sd.Attribute("aesiv")
	if !ok {
		return a, fmt.Errorf("sdp missing aesiv attribute")
	}
	a.AESIV, err = decodeBase64(ivB64)
	if err != nil {
		return a, fmt.Errorf("decoding aesiv: %w", err)
	}
	if len(a.AESIV) != aesKeySize {
		return a, fmt.Errorf("aesiv has %d bytes, want %d", len(a.AESIV), aesKeySize)
	}

	fmtp, ok := sd.Attribute("fmtp")
	if !ok {
		return a, fmt.Errorf("sdp missing fmtp attribute")
	}
	a.FMTP, err = parseFMTP(fmtp)
	if err != nil {
		return a, err
	}

	return a, nil
}

func unwrapAESKey(wrapped []byte, key *rsa.PrivateKey) ([]byte, error) {
	if len(wrapped) == aesKeySize {
		// Key sent in the clear. Seen from senders that skip the
		// challenge handshake.
		return wrapped, nil
	}
	if key == nil {
		return nil, fmt.Errorf("rsaaeskey is wrapped (%d bytes) but no private key is configured", len(wrapped))
	}
	unwrapped, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, key, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping aes key: %w", err)
	}
	if len(unwrapped) != aesKeySize {
		return nil, fmt.Errorf("unwrapped aes key has %d bytes, want %d", len(unwrapped), aesKeySize)
	}
	return unwrapped, nil
}

func parseFMTP(s string) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) != fmtpFields {
		return nil, fmt.Errorf("fmtp has %d fields, want %d", len(fields), fmtpFields)
	}
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("fmtp field %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// decodeBase64 tolerates the unpadded base64 Apple senders emit.
func decodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func encodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}
