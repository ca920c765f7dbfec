// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2025 OmniFunken authors

package omnifunken

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/omnifunken/omnifunken/airtunes"
	"github.com/omnifunken/omnifunken/audio"
	"github.com/omnifunken/omnifunken/rtsp"
)

var integrationFrames = make(chan []byte, 4096)

func init() {
	audio.RegisterSink("capture", func() audio.Sink {
		return &captureSink{frames: integrationFrames}
	})
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

type itunesClient struct {
	t       *testing.T
	conn    net.Conn
	r       *bufio.Reader
	cseq    int
	key, iv []byte
	audio   *net.UDPConn
	dest    *net.UDPAddr
}

func (c *itunesClient) request(method string, headers [][2]string, contentType string, body []byte) *rtsp.Message {
	c.t.Helper()
	c.cseq++
	req := &rtsp.Message{Method: method, URI: "rtsp://127.0.0.1/3413821438"}
	req.AddHeader("CSeq", strconv.Itoa(c.cseq))
	for _, h := range headers {
		req.AddHeader(h[0], h[1])
	}
	if body != nil {
		req.SetBody(contentType, body)
	}
	_, err := c.conn.Write(req.Marshal())
	require.NoError(c.t, err)

	resp, err := rtsp.ReadMessage(c.r)
	require.NoError(c.t, err)
	require.Equal(c.t, 200, resp.StatusCode)
	return resp
}

func (c *itunesClient) announceSDP() []byte {
	return []byte("v=0\r\n" +
		"o=iTunes 3413821438 0 IN IP4 127.0.0.1\r\n" +
		"s=iTunes\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 0 RTP/AVP 96\r\n" +
		"a=rtpmap:96 AppleLossless\r\n" +
		"a=fmtp:96 352 0 16 40 10 14 2 255 0 1 44100\r\n" +
		"a=rsaaeskey:" + base64.RawStdEncoding.EncodeToString(c.key) + "\r\n" +
		"a=aesiv:" + base64.RawStdEncoding.EncodeToString(c.iv) + "\r\n")
}

// sendAudio transmits one encrypted packet whose PCM repeats seq in big
// endian, the wire sample order.
func (c *itunesClient) sendAudio(seq uint16) {
	c.t.Helper()

	pcm := make([]byte, 32)
	for i := 0; i < len(pcm); i += 2 {
		binary.BigEndian.PutUint16(pcm[i:], seq)
	}

	block, err := aes.NewCipher(c.key)
	require.NoError(c.t, err)
	payload := make([]byte, len(pcm))
	n := len(pcm) &^ (aes.BlockSize - 1)
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(payload[:n], pcm[:n])
	copy(payload[n:], pcm[n:])

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    uint8(airtunes.AudioData),
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * airtunes.FramesPerPacket,
			SSRC:           0x12345678,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	require.NoError(c.t, err)
	_, err = c.audio.WriteToUDP(data, c.dest)
	require.NoError(c.t, err)
}

// TestSessionEndToEnd walks a complete sender session over real sockets:
// OPTIONS, ANNOUNCE, SETUP, RECORD, audio, TEARDOWN. Discovery stays off.
func TestSessionEndToEnd(t *testing.T) {
	for len(integrationFrames) > 0 {
		<-integrationFrames
	}

	port := freeTCPPort(t)
	rec, err := New(
		WithName("test"),
		WithPort(port),
		WithZeroconf(false),
		WithSink("capture", ""),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- rec.Serve(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		var derr error
		conn, derr = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		return derr == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	audioConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer audioConn.Close()

	c := &itunesClient{
		t:     t,
		conn:  conn,
		r:     bufio.NewReader(conn),
		key:   []byte("0123456789abcdef"),
		iv:    []byte("fedcba9876543210"),
		audio: audioConn,
	}

	c.request("OPTIONS", nil, "", nil)
	c.request("ANNOUNCE", nil, "application/sdp", c.announceSDP())

	controlPort := audioConn.LocalAddr().(*net.UDPAddr).Port
	transport := fmt.Sprintf("RTP/AVP/UDP;unicast;mode=record;control_port=%d;timing_port=%d", controlPort, controlPort+1)
	resp := c.request("SETUP", [][2]string{{"Transport", transport}}, "", nil)

	var serverPort int
	for _, part := range strings.Split(resp.Header("Transport"), ";") {
		if v, ok := strings.CutPrefix(part, "server_port="); ok {
			serverPort, err = strconv.Atoi(v)
			require.NoError(t, err)
		}
	}
	require.NotZero(t, serverPort)
	c.dest = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: serverPort}

	c.request("RECORD", [][2]string{{"RTP-Info", "seq=1000;rtptime=0"}}, "", nil)

	count := rec.buffer.Size()/2 + 10
	for i := 0; i < count; i++ {
		c.sendAudio(uint16(1000 + i))
	}

	// The pipeline delivers the decrypted, byte swapped stream in order.
	for i := 0; i < 10; i++ {
		select {
		case frame := <-integrationFrames:
			require.EqualValues(t, uint16(1000+i), binary.LittleEndian.Uint16(frame), "frame %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never reached the sink", i)
		}
	}

	c.request("TEARDOWN", nil, "", nil)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop")
	}
}
