// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

// Package zeroconf announces the receiver as a RAOP service so senders
// can discover it without typing addresses.
package zeroconf

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/brutella/dnssd"
	"github.com/rs/zerolog/log"
)

const serviceType = "_raop._tcp."

// txtRecords describe an AirTunes v1 endpoint: 16 bit stereo 44.1 kHz,
// PCM or ALAC, no encryption requirement beyond RSA (ek=1), no password.
func txtRecords() map[string]string {
	return map[string]string{
		"txtvers": "1",
		"ch":      "2",
		"cn":      "0,1",
		"ek":      "1",
		"et":      "0,1",
		"sv":      "false",
		"da":      "true",
		"sr":      "44100",
		"ss":      "16",
		"pw":      "false",
		"vn":      "3",
		"tp":      "TCP,UDP",
		"md":      "0,1,2",
		"vs":      "105.1",
		"am":      "OmniFunken",
		"sf":      "0x4",
	}
}

// Announce registers "<MAC-hex>@<name>" on the local domain and responds
// to queries until ctx is canceled.
func Announce(ctx context.Context, name string, hwaddr net.HardwareAddr, port int) error {
	instance := fmt.Sprintf("%s@%s", strings.ToUpper(hex.EncodeToString(hwaddr)), name)

	sv, err := dnssd.NewService(dnssd.Config{
		Name: instance,
		Type: serviceType,
		Port: port,
		Text: txtRecords(),
	})
	if err != nil {
		return fmt.Errorf("zeroconf service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("zeroconf responder: %w", err)
	}
	if _, err := rp.Add(sv); err != nil {
		return fmt.Errorf("zeroconf add: %w", err)
	}

	log.Info().Str("instance", instance).Int("port", port).Msg("announcing RAOP service")

	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("zeroconf responder stopped")
		}
	}()
	return nil
}
