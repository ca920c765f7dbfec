// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package rtsp

import (
	"crypto"
	"crypto/rsa"
	"fmt"
	"net"
)

// challengePad is the fixed plaintext length iTunes signs: 16 byte
// challenge + 4 byte IPv4 + 6 byte MAC, zero padded.
const challengePad = 32

// appleResponse answers an Apple-Challenge header. The sender verifies the
// signature against the AirPort RSA public key baked into iTunes, so a
// matching private key must be supplied by the operator; without one the
// server omits the header, which modern senders accept.
func appleResponse(challengeB64 string, localIP net.IP, hwaddr net.HardwareAddr, key *rsa.PrivateKey) (string, error) {
	challenge, err := decodeBase64(challengeB64)
	if err != nil {
		return "", fmt.Errorf("decoding challenge: %w", err)
	}

	ip4 := localIP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("local address %s is not IPv4", localIP)
	}

	buf := make([]byte, 0, challengePad)
	buf = append(buf, challenge...)
	buf = append(buf, ip4...)
	buf = append(buf, hwaddr...)
	for len(buf) < challengePad {
		buf = append(buf, 0)
	}

	// Raw PKCS#1 v1.5 signature over the unhashed buffer, as the sender
	// expects. crypto.Hash(0) selects no digest.
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.Hash(0), buf)
	if err != nil {
		return "", fmt.Errorf("signing challenge: %w", err)
	}
	return encodeBase64(sig), nil
}
