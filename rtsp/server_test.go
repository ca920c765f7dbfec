// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package rtsp

import (
	"bufio"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnifunken/omnifunken/airtunes"
)

type recordedEvent struct {
	name string
	seq  uint16
	port uint16
	db   float64
	ann  Announcement
}

type recordingHandler struct {
	mu       sync.Mutex
	events   []recordedEvent
	bindPort uint16
}

func (h *recordingHandler) add(e recordedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *recordingHandler) Announce(a Announcement) error {
	h.add(recordedEvent{name: "announce", ann: a})
	return nil
}

func (h *recordingHandler) SenderSocket(pt airtunes.PayloadType, port uint16) {
	h.add(recordedEvent{name: "sender-socket-" + pt.String(), port: port})
}

func (h *recordingHandler) BindSocket(pt airtunes.PayloadType) (uint16, error) {
	h.add(recordedEvent{name: "bind-socket"})
	return h.bindPort, nil
}

func (h *recordingHandler) Record(seq uint16) { h.add(recordedEvent{name: "record", seq: seq}) }
func (h *recordingHandler) Flush(seq uint16)  { h.add(recordedEvent{name: "flush", seq: seq}) }
func (h *recordingHandler) Teardown()         { h.add(recordedEvent{name: "teardown"}) }
func (h *recordingHandler) SetVolume(db float64) {
	h.add(recordedEvent{name: "volume", db: db})
}

func (h *recordingHandler) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.name
	}
	return out
}

func (h *recordingHandler) last() recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[len(h.events)-1]
}

func (h *recordingHandler) waitFor(t *testing.T, name string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, n := range h.names() {
			if n == name {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s not observed, have %v", name, h.names())
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
	cseq int
}

func startTestServer(t *testing.T, cfg ServerConfig) (*Server, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{bindPort: 53561}
	if cfg.Handler == nil {
		cfg.Handler = h
	}
	if cfg.HardwareAddr == nil {
		cfg.HardwareAddr = net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	}
	srv := NewServer(cfg)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, h
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) request(t *testing.T, method string, headers [][2]string, body []byte) *Message {
	t.Helper()
	c.cseq++
	req := &Message{Method: method, URI: "rtsp://test/1"}
	req.AddHeader("CSeq", strconv.Itoa(c.cseq))
	for _, h := range headers {
		req.AddHeader(h[0], h[1])
	}
	if body != nil {
		req.SetBody("application/sdp", body)
	}

	_, err := c.conn.Write(req.Marshal())
	require.NoError(t, err)

	resp, err := ReadMessage(c.r)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(c.cseq), resp.CSeq())
	return resp
}

func sessionAnnounceBody(t *testing.T) []byte {
	return announceBody(t, []byte("0123456789abcdef"), []byte("fedcba9876543210"))
}

func TestSessionLifecycle(t *testing.T) {
	srv, h := startTestServer(t, ServerConfig{})
	c := dialTestServer(t, srv)

	resp := c.request(t, "OPTIONS", nil, nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, resp.Header("Public"), "ANNOUNCE")
	require.Equal(t, "connected; type=analog", resp.Header("Audio-Jack-Status"))

	resp = c.request(t, "ANNOUNCE", nil, sessionAnnounceBody(t))
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, []string{"announce"}, h.names())
	require.Equal(t, testFMTP, h.last().ann.FMTP)
	require.Equal(t, "127.0.0.1", h.last().ann.SenderAddr.String())

	transport := "RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=6001;timing_port=6002"
	resp = c.request(t, "SETUP", [][2]string{{"Transport", transport}}, nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, transport+";server_port=53561", resp.Header("Transport"))
	require.Equal(t, "1", resp.Header("Session"))

	resp = c.request(t, "RECORD", [][2]string{{"RTP-Info", "seq=1000;rtptime=279222875"}}, nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, recordedEvent{name: "record", seq: 1000}, h.last())

	c.cseq++ // SET_PARAMETER carries text, not sdp
	setp := &Message{Method: "SET_PARAMETER", URI: "rtsp://test/1"}
	setp.AddHeader("CSeq", strconv.Itoa(c.cseq))
	setp.SetBody("text/parameters", []byte("volume: -11.500000\r\n"))
	_, err := c.conn.Write(setp.Marshal())
	require.NoError(t, err)
	resp, err = ReadMessage(c.r)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, -11.5, h.last().db)

	resp = c.request(t, "FLUSH", [][2]string{{"RTP-Info", "seq=1300"}}, nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, recordedEvent{name: "flush", seq: 1300}, h.last())

	resp = c.request(t, "TEARDOWN", nil, nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "teardown", h.last().name)

	require.Equal(t, []string{
		"announce",
		"sender-socket-retransmit-request",
		"sender-socket-timing-request",
		"bind-socket",
		"record",
		"volume",
		"flush",
		"teardown",
	}, h.names())
}

func TestSetupBeforeAnnounceRefused(t *testing.T) {
	srv, h := startTestServer(t, ServerConfig{})
	c := dialTestServer(t, srv)

	resp := c.request(t, "SETUP", [][2]string{{"Transport", "RTP/AVP/UDP;control_port=6001"}}, nil)
	require.Equal(t, 455, resp.StatusCode)
	require.Empty(t, h.names())
}

func TestSecondSenderRefused(t *testing.T) {
	srv, _ := startTestServer(t, ServerConfig{})

	c1 := dialTestServer(t, srv)
	resp := c1.request(t, "ANNOUNCE", nil, sessionAnnounceBody(t))
	require.Equal(t, 200, resp.StatusCode)

	c2 := dialTestServer(t, srv)
	resp = c2.request(t, "ANNOUNCE", nil, sessionAnnounceBody(t))
	require.Equal(t, 453, resp.StatusCode)
}

func TestConnectionLossTearsDown(t *testing.T) {
	srv, h := startTestServer(t, ServerConfig{})
	c := dialTestServer(t, srv)

	c.request(t, "ANNOUNCE", nil, sessionAnnounceBody(t))
	c.conn.Close()

	h.waitFor(t, "teardown")
}

func TestMalformedRequestClosesWithoutEvents(t *testing.T) {
	srv, h := startTestServer(t, ServerConfig{})
	c := dialTestServer(t, srv)

	_, err := c.conn.Write([]byte("NOT EVEN RTSP\r\n\r\n"))
	require.NoError(t, err)

	// Server drops the connection.
	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c.r.ReadByte()
	require.Error(t, err)
	require.Empty(t, h.names())
}

func TestUnsupportedMethod(t *testing.T) {
	srv, _ := startTestServer(t, ServerConfig{})
	c := dialTestServer(t, srv)

	resp := c.request(t, "DESCRIBE", nil, nil)
	require.Equal(t, 501, resp.StatusCode)
}

func TestAppleChallenge(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	hwaddr := net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}

	srv, _ := startTestServer(t, ServerConfig{RSAKey: key, HardwareAddr: hwaddr})
	c := dialTestServer(t, srv)

	challenge := []byte("0123456789abcdef")
	resp := c.request(t, "OPTIONS", [][2]string{{"Apple-Challenge", encodeBase64(challenge)}}, nil)
	require.Equal(t, 200, resp.StatusCode)

	sigB64 := resp.Header("Apple-Response")
	require.NotEmpty(t, sigB64)
	sig, err := decodeBase64(sigB64)
	require.NoError(t, err)

	localIP := c.conn.RemoteAddr().(*net.TCPAddr).IP.To4()
	signed := make([]byte, 0, challengePad)
	signed = append(signed, challenge...)
	signed = append(signed, localIP...)
	signed = append(signed, hwaddr...)
	for len(signed) < challengePad {
		signed = append(signed, 0)
	}
	require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.Hash(0), signed, sig))
}

func TestAppleChallengeWithoutKeyIgnored(t *testing.T) {
	srv, _ := startTestServer(t, ServerConfig{})
	c := dialTestServer(t, srv)

	resp := c.request(t, "OPTIONS", [][2]string{{"Apple-Challenge", "AAAA"}}, nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Empty(t, resp.Header("Apple-Response"))
}

func TestParseTransport(t *testing.T) {
	ctrl, timing, err := parseTransport("RTP/AVP/UDP;unicast;mode=record;control_port=6001;timing_port=6002")
	require.NoError(t, err)
	require.Equal(t, uint16(6001), ctrl)
	require.Equal(t, uint16(6002), timing)

	_, _, err = parseTransport("RTP/AVP/UDP;unicast")
	require.Error(t, err)

	_, _, err = parseTransport("")
	require.Error(t, err)
}

func TestParseRTPInfoSeq(t *testing.T) {
	seq, err := parseRTPInfoSeq("seq=65530;rtptime=279222875")
	require.NoError(t, err)
	require.Equal(t, uint16(65530), seq)

	_, err = parseRTPInfoSeq("rtptime=279222875")
	require.Error(t, err)
}
