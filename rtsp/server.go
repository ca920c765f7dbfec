// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package rtsp

import (
	"bufio"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omnifunken/omnifunken/airtunes"
)

// Handler receives the typed session events the server emits towards the
// data plane. Events fire only on completely parsed requests; a malformed
// request closes the connection without emitting an event for it. If that
// connection owned the session, closing it tears the session down.
type Handler interface {
	// Announce configures a new stream. Any prior stream state must be
	// discarded by the handler.
	Announce(a Announcement) error
	// SenderSocket reports the sender side port for the given payload
	// type, learned during SETUP.
	SenderSocket(pt airtunes.PayloadType, port uint16)
	// BindSocket asks the data plane for its local port for the given
	// payload type, binding lazily.
	BindSocket(pt airtunes.PayloadType) (uint16, error)
	// Record anchors the stream at the first sequence number.
	Record(seq uint16)
	// Flush discards buffered audio below seq.
	Flush(seq uint16)
	// Teardown ends the session. Idempotent.
	Teardown()
	// SetVolume applies the sender volume, dB in [-30, 0], or mute.
	SetVolume(db float64)
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateAnnounced
	stateSetup
	stateRecording
	stateFlushed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAnnounced:
		return "announced"
	case stateSetup:
		return "setup"
	case stateRecording:
		return "recording"
	case stateFlushed:
		return "flushed"
	}
	return "unknown"
}

// ServerConfig configures NewServer. Handler is required.
type ServerConfig struct {
	Handler Handler

	// HardwareAddr is the MAC advertised over mDNS and signed into the
	// Apple-Challenge response.
	HardwareAddr net.HardwareAddr

	// RSAKey signs Apple-Challenge responses and unwraps the session
	// AES key. Without it the challenge header is ignored and only raw
	// AES keys are accepted.
	RSAKey *rsa.PrivateKey

	Logger *zerolog.Logger
}

// Server accepts RTSP connections and runs the RAOP session state machine
// Idle -> Announced -> Setup -> Recording <-> Flushed -> Idle. One session
// is active at a time; a competing ANNOUNCE is refused.
type Server struct {
	handler Handler
	hwaddr  net.HardwareAddr
	rsaKey  *rsa.PrivateKey

	ln net.Listener

	mu     sync.Mutex
	owner  net.Conn // connection owning the active session
	state  sessionState
	volume float64

	log zerolog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	logger := log.With().Str("caller", "rtsp").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Server{
		handler: cfg.Handler,
		hwaddr:  cfg.HardwareAddr,
		rsaKey:  cfg.RSAKey,
		log:     logger,
	}
}

// Listen binds the TCP control port. Failing to bind is fatal for the
// process and is left to the caller to propagate.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rtsp listen %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("RTSP server listening")
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	clog := s.log.With().Str("peer", conn.RemoteAddr().String()).Logger()
	clog.Debug().Msg("connection accepted")

	defer func() {
		conn.Close()
		// Losing the controlling connection ends the session. Other
		// connections never touch existing state.
		s.mu.Lock()
		owned := s.owner == conn
		if owned {
			s.owner = nil
			s.state = stateIdle
		}
		s.mu.Unlock()
		if owned {
			s.handler.Teardown()
			clog.Info().Msg("session connection closed, torn down")
		}
	}()

	r := bufio.NewReader(conn)
	for {
		req, err := ReadMessage(r)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				clog.Warn().Err(err).Msg("malformed RTSP request, closing connection")
			}
			return
		}

		resp := s.handleRequest(conn, req, &clog)
		if _, err := conn.Write(resp.Marshal()); err != nil {
			clog.Warn().Err(err).Msg("writing RTSP response")
			return
		}
	}
}

func (s *Server) handleRequest(conn net.Conn, req *Message, clog *zerolog.Logger) *Message {
	clog.Debug().Str("method", req.Method).Str("cseq", req.CSeq()).Msg("request")

	resp := NewResponse(req.CSeq())
	s.handleAppleChallenge(conn, req, resp, clog)

	var err error
	switch req.Method {
	case "OPTIONS":
		resp.AddHeader("Public", "ANNOUNCE, SETUP, RECORD, FLUSH, TEARDOWN, OPTIONS, GET_PARAMETER, SET_PARAMETER")
	case "ANNOUNCE":
		err = s.handleAnnounce(conn, req)
	case "SETUP":
		err = s.handleSetup(conn, req, resp)
	case "RECORD":
		err = s.handleRecord(conn, req)
	case "FLUSH":
		err = s.handleFlush(conn, req)
	case "TEARDOWN":
		s.handleTeardown(conn)
	case "SET_PARAMETER":
		err = s.handleSetParameter(conn, req)
	case "GET_PARAMETER":
		s.handleGetParameter(req, resp)
	default:
		clog.Warn().Str("method", req.Method).Msg("unsupported method")
		return s.errorResponse(req, 501, "Not Implemented")
	}

	if err != nil {
		var se statusError
		if errors.As(err, &se) {
			clog.Warn().Err(err).Str("method", req.Method).Msg("request refused")
			return s.errorResponse(req, se.code, se.reason)
		}
		clog.Warn().Err(err).Str("method", req.Method).Msg("bad request")
		return s.errorResponse(req, 400, "Bad Request")
	}
	return resp
}

type statusError struct {
	code   int
	reason string
	err    error
}

func (e statusError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.code, e.reason, e.err)
}

func (e statusError) Unwrap() error { return e.err }

func (s *Server) errorResponse(req *Message, code int, reason string) *Message {
	resp := NewResponse(req.CSeq())
	resp.StatusCode = code
	resp.Reason = reason
	return resp
}

func (s *Server) handleAppleChallenge(conn net.Conn, req *Message, resp *Message, clog *zerolog.Logger) {
	challenge := req.Header("Apple-Challenge")
	if challenge == "" {
		return
	}
	if s.rsaKey == nil {
		clog.Debug().Msg("Apple-Challenge received but no RSA key configured, ignoring")
		return
	}
	localIP := conn.LocalAddr().(*net.TCPAddr).IP
	response, err := appleResponse(challenge, localIP, s.hwaddr, s.rsaKey)
	if err != nil {
		clog.Warn().Err(err).Msg("Apple-Challenge response failed")
		return
	}
	resp.AddHeader("Apple-Response", response)
}

func (s *Server) handleAnnounce(conn net.Conn, req *Message) error {
	senderAddr := conn.RemoteAddr().(*net.TCPAddr).IP

	a, err := parseAnnouncement(req.Body, s.rsaKey, senderAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.owner != nil && s.owner != conn {
		s.mu.Unlock()
		return statusError{code: 453, reason: "Not Enough Bandwidth", err: errors.New("session busy")}
	}
	s.owner = conn
	s.state = stateAnnounced
	s.mu.Unlock()

	if err := s.handler.Announce(a); err != nil {
		s.mu.Lock()
		s.owner = nil
		s.state = stateIdle
		s.mu.Unlock()
		return fmt.Errorf("announce rejected: %w", err)
	}
	s.log.Info().Str("sender", senderAddr.String()).Msg("session announced")
	return nil
}

func (s *Server) handleSetup(conn net.Conn, req *Message, resp *Message) error {
	if err := s.requireOwner(conn, stateAnnounced, stateSetup); err != nil {
		return err
	}

	transport := req.Header("Transport")
	controlPort, timingPort, err := parseTransport(transport)
	if err != nil {
		return err
	}

	s.handler.SenderSocket(airtunes.RetransmitRequest, controlPort)
	if timingPort != 0 {
		s.handler.SenderSocket(airtunes.TimingRequest, timingPort)
	}

	localPort, err := s.handler.BindSocket(airtunes.AudioData)
	if err != nil {
		return fmt.Errorf("binding audio socket: %w", err)
	}

	s.mu.Lock()
	s.state = stateSetup
	s.mu.Unlock()

	resp.AddHeader("Transport", transport+";server_port="+strconv.Itoa(int(localPort)))
	resp.AddHeader("Session", "1")
	s.log.Info().Uint16("control_port", controlPort).Uint16("server_port", localPort).Msg("session setup")
	return nil
}

func (s *Server) handleRecord(conn net.Conn, req *Message) error {
	if err := s.requireOwner(conn, stateSetup, stateFlushed, stateRecording); err != nil {
		return err
	}

	seq, err := parseRTPInfoSeq(req.Header("RTP-Info"))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = stateRecording
	s.mu.Unlock()

	s.handler.Record(seq)
	s.log.Info().Uint16("seq", seq).Msg("recording")
	return nil
}

func (s *Server) handleFlush(conn net.Conn, req *Message) error {
	if err := s.requireOwner(conn, stateRecording, stateFlushed); err != nil {
		return err
	}

	seq, err := parseRTPInfoSeq(req.Header("RTP-Info"))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = stateFlushed
	s.mu.Unlock()

	s.handler.Flush(seq)
	s.log.Info().Uint16("seq", seq).Msg("flushed")
	return nil
}

func (s *Server) handleTeardown(conn net.Conn) {
	s.mu.Lock()
	owned := s.owner == conn
	if owned {
		s.owner = nil
		s.state = stateIdle
	}
	s.mu.Unlock()

	if owned {
		s.handler.Teardown()
		s.log.Info().Msg("session torn down")
	}
}

func (s *Server) handleSetParameter(conn net.Conn, req *Message) error {
	if err := s.requireOwner(conn); err != nil {
		return err
	}

	for _, line := range strings.Split(string(req.Body), "\n") {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "volume":
			db, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("bad volume %q: %w", value, err)
			}
			s.mu.Lock()
			s.volume = db
			s.mu.Unlock()
			s.handler.SetVolume(db)
		default:
			s.log.Debug().Str("parameter", name).Msg("ignoring parameter")
		}
	}
	return nil
}

func (s *Server) handleGetParameter(req *Message, resp *Message) {
	if strings.Contains(string(req.Body), "volume") {
		s.mu.Lock()
		v := s.volume
		s.mu.Unlock()
		resp.SetBody("text/parameters", []byte(fmt.Sprintf("volume: %f\r\n", v)))
	}
}

// requireOwner verifies the connection owns the session and, when states
// are given, that the machine is in one of them.
func (s *Server) requireOwner(conn net.Conn, states ...sessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != conn {
		return statusError{code: 455, reason: "Method Not Valid in This State", err: errors.New("no session on this connection")}
	}
	if len(states) == 0 {
		return nil
	}
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return statusError{
		code:   455,
		reason: "Method Not Valid in This State",
		err:    fmt.Errorf("state is %s", s.state),
	}
}

// parseTransport extracts the sender ports from a SETUP Transport header:
// RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=6001;timing_port=6002
func parseTransport(transport string) (controlPort, timingPort uint16, err error) {
	if transport == "" {
		return 0, 0, errors.New("missing Transport header")
	}
	for _, part := range strings.Split(transport, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch name {
		case "control_port", "timing_port":
			p, perr := strconv.ParseUint(value, 10, 16)
			if perr != nil {
				return 0, 0, fmt.Errorf("bad %s %q", name, value)
			}
			if name == "control_port" {
				controlPort = uint16(p)
			} else {
				timingPort = uint16(p)
			}
		}
	}
	if controlPort == 0 {
		return 0, 0, fmt.Errorf("transport %q carries no control_port", transport)
	}
	return controlPort, timingPort, nil
}

// parseRTPInfoSeq extracts seq from "seq=1000;rtptime=279222875".
func parseRTPInfoSeq(info string) (uint16, error) {
	for _, part := range strings.Split(info, ";") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(part), "seq="); ok {
			seq, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return 0, fmt.Errorf("bad seq %q", value)
			}
			return uint16(seq), nil
		}
	}
	return 0, fmt.Errorf("RTP-Info %q carries no seq", info)
}
