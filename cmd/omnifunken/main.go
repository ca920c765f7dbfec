// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

// Command omnifunken is a general purpose media render daemon speaking
// AirPlay v1 / AirTunes.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/omnifunken/omnifunken"
	"github.com/omnifunken/omnifunken/audio"
)

func main() {
	hostname, _ := os.Hostname()

	name := flag.StringP("name", "n", "OmniFunken@"+hostname, "propagated service name")
	port := flag.IntP("port", "p", 5002, "RTSP port")
	latency := flag.IntP("latency", "l", 500, "latency in milliseconds")
	audioOut := flag.StringP("audio", "a", "null", fmt.Sprintf("audio backend %v", audio.SinkNames()))
	audioDevice := flag.String("audiodevice", "", "audio device")
	rsaKeyPath := flag.String("rsakey", "", "PEM file with the AirPort RSA private key")
	daemon := flag.BoolP("daemon", "d", false, "accepted for compatibility; does not detach, only logs a notice")
	verbose := flag.BoolP("verbose", "v", false, "verbose logging")
	flag.Parse()

	lev := zerolog.InfoLevel
	if *verbose {
		lev = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	if *daemon {
		// Proper daemonization is left to the service manager.
		log.Warn().Msg("--daemon is a no-op, run under a supervisor instead")
	}

	opts := []omnifunken.Option{
		omnifunken.WithName(*name),
		omnifunken.WithPort(*port),
		omnifunken.WithLatency(time.Duration(*latency) * time.Millisecond),
		omnifunken.WithSink(*audioOut, *audioDevice),
	}

	if *rsaKeyPath != "" {
		key, err := loadRSAKey(*rsaKeyPath)
		if err != nil {
			log.Error().Err(err).Msg("loading RSA key")
			os.Exit(1)
		}
		opts = append(opts, omnifunken.WithRSAKey(key))
	}

	receiver, err := omnifunken.New(opts...)
	if err != nil {
		log.Error().Err(err).Msg("building receiver")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := receiver.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("receiver failed")
		os.Exit(1)
	}
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s holds no PEM block", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not hold an RSA key", path)
	}
	return key, nil
}
