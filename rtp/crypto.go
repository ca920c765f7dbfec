// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package rtp

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Decryptor decrypts AirTunes audio payloads: AES-128-CBC with the IV
// reset for every packet, and only whole 16 byte blocks ciphered. The
// trailing length%16 bytes travel in the clear and are copied through.
type Decryptor struct {
	block cipher.Block
	key   []byte
	iv    []byte
}

func NewDecryptor(key, iv []byte) (*Decryptor, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("aes key has %d bytes, want %d", len(key), aes.BlockSize)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aes iv has %d bytes, want %d", len(iv), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	d := &Decryptor{
		block: block,
		key:   append([]byte(nil), key...),
		iv:    append([]byte(nil), iv...),
	}
	return d, nil
}

// Decrypt deciphers in into out. Both must have equal length and must not
// overlap. It never fails: any length is valid, the non-block tail is a
// plain copy.
func (d *Decryptor) Decrypt(in, out []byte) {
	n := len(in) &^ (aes.BlockSize - 1)
	if n > 0 {
		// A fresh CBC decrypter per packet realizes the IV reset.
		mode := cipher.NewCBCDecrypter(d.block, d.iv)
		mode.CryptBlocks(out[:n], in[:n])
	}
	copy(out[n:], in[n:])
}

// Close zeroes the key material held by the decryptor.
func (d *Decryptor) Close() {
	for i := range d.key {
		d.key[i] = 0
	}
	for i := range d.iv {
		d.iv[i] = 0
	}
}
