package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirehub/wirehub/config"
	"github.com/wirehub/wirehub/src/audit"
	"github.com/wirehub/wirehub/src/auth"
	"github.com/wirehub/wirehub/src/hub"
	"github.com/wirehub/wirehub/src/router"
	"github.com/wirehub/wirehub/src/types"
	"github.com/wirehub/wirehub/src/wire"
)

func testServerConfig() *config.Config {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.SweepInterval = time.Hour // keep the maintenance loop out of tests
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	h := hub.New(cfg, zerolog.Nop())
	validator := auth.NewStaticValidator(map[string]auth.Identity{
		"tok-alice": {UserID: "alice", TenantID: "acme"},
	})
	r := router.New(h, validator, auth.AllowAll(), audit.Nop{}, zerolog.Nop())
	s := New(cfg, h, r, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s.Addr().String()
}

// dialUpgraded performs the opening handshake and returns the raw socket
// with a reader positioned past the 101 response.
func dialUpgraded(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	sock, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	require.NoError(t, sock.SetDeadline(time.Now().Add(5*time.Second)))

	req := "GET /ws HTTP/1.1\r\n" +
		"Host: wirehub.test\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = sock.Write([]byte(req))
	require.NoError(t, err)

	br := bufio.NewReader(sock)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "101")
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}
	return sock, br
}

// writeMasked sends a single client frame with a fixed mask key.
func writeMasked(t *testing.T, w io.Writer, opcode byte, payload []byte) {
	t.Helper()
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	var hdr []byte
	switch n := len(payload); {
	case n < 126:
		hdr = []byte{0x80 | opcode, 0x80 | byte(n)}
	case n <= 0xFFFF:
		hdr = []byte{0x80 | opcode, 0x80 | 126, byte(n >> 8), byte(n)}
	default:
		hdr = make([]byte, 10)
		hdr[0] = 0x80 | opcode
		hdr[1] = 0x80 | 127
		binary.BigEndian.PutUint64(hdr[2:], uint64(n))
	}
	frame := append(hdr, key[:]...)
	for i, b := range payload {
		frame = append(frame, b^key[i%4])
	}
	_, err := w.Write(frame)
	require.NoError(t, err)
}

func writeJSON(t *testing.T, w io.Writer, msg types.Message) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	writeMasked(t, w, wire.OpText, payload)
}

func readServerFrame(t *testing.T, r io.Reader) wire.Frame {
	t.Helper()
	var hdr [2]byte
	_, err := io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	length := int(hdr[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		_, err = io.ReadFull(r, ext[:])
		require.NoError(t, err)
		length = int(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		_, err = io.ReadFull(r, ext[:])
		require.NoError(t, err)
		length = int(binary.BigEndian.Uint64(ext[:]))
	}
	payload := make([]byte, length)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	return wire.Frame{Opcode: hdr[0] & 0x0F, Payload: payload}
}

func readReply(t *testing.T, r io.Reader) types.Reply {
	t.Helper()
	f := readServerFrame(t, r)
	require.Equal(t, byte(wire.OpText), f.Opcode)
	var reply types.Reply
	require.NoError(t, json.Unmarshal(f.Payload, &reply))
	return reply
}

func readClose(t *testing.T, r io.Reader) uint16 {
	t.Helper()
	f := readServerFrame(t, r)
	require.Equal(t, byte(wire.OpClose), f.Opcode)
	require.GreaterOrEqual(t, len(f.Payload), 2)
	return binary.BigEndian.Uint16(f.Payload[:2])
}

func TestHandshakeAndAuth(t *testing.T) {
	addr := startServer(t, testServerConfig())
	sock, br := dialUpgraded(t, addr)

	writeJSON(t, sock, types.Message{Type: types.TypeAuth, Token: "tok-alice"})

	reply := readReply(t, br)
	assert.Equal(t, types.TypeAuthOK, reply.Type)
	assert.Equal(t, "alice", reply.UserID)
	assert.Equal(t, "acme", reply.TenantID)
}

func TestHandshakeRejectedSilently(t *testing.T) {
	addr := startServer(t, testServerConfig())
	sock, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer sock.Close()
	require.NoError(t, sock.SetDeadline(time.Now().Add(5*time.Second)))

	// No Upgrade header: the server closes without writing a response.
	_, err = sock.Write([]byte("GET /ws HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := sock.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestControlPingPong(t *testing.T) {
	addr := startServer(t, testServerConfig())
	sock, br := dialUpgraded(t, addr)

	writeMasked(t, sock, wire.OpPing, []byte("keepalive"))

	f := readServerFrame(t, br)
	assert.Equal(t, byte(wire.OpPong), f.Opcode)
	assert.Equal(t, "keepalive", string(f.Payload))
}

func TestCloseHandshakeEcho(t *testing.T) {
	addr := startServer(t, testServerConfig())
	sock, br := dialUpgraded(t, addr)

	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, wire.CloseNormal)
	writeMasked(t, sock, wire.OpClose, payload)

	assert.Equal(t, wire.CloseNormal, readClose(t, br))

	// The server tears the socket down after the echo.
	_, err := br.ReadByte()
	assert.Error(t, err)
}

func TestOversizedFrameClosedWith1009(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxMessageBytes = 64
	addr := startServer(t, cfg)
	sock, br := dialUpgraded(t, addr)

	writeMasked(t, sock, wire.OpText, make([]byte, 128))

	assert.Equal(t, wire.CloseMessageTooBig, readClose(t, br))
}

func TestUnmaskedFrameClosedWith1002(t *testing.T) {
	addr := startServer(t, testServerConfig())
	sock, br := dialUpgraded(t, addr)

	// Client frames must be masked; this one is not.
	_, err := sock.Write([]byte{0x81, 0x02, 'h', 'i'})
	require.NoError(t, err)

	assert.Equal(t, wire.CloseProtocolError, readClose(t, br))
}

func TestMaxConnectionsGate(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxConnections = 1
	addr := startServer(t, cfg)

	_, _ = dialUpgraded(t, addr)
	time.Sleep(50 * time.Millisecond) // let the first connection register

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetDeadline(time.Now().Add(5*time.Second)))

	buf := make([]byte, 64)
	n, rerr := second.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, rerr, io.EOF)
}

func TestRateLimitReply(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateCapacity = 2
	cfg.RateRefillInterval = time.Minute
	cfg.RateViolationLimit = 100
	addr := startServer(t, cfg)
	sock, br := dialUpgraded(t, addr)

	writeJSON(t, sock, types.Message{Type: types.TypeAuth, Token: "tok-alice"})
	require.Equal(t, types.TypeAuthOK, readReply(t, br).Type)
	writeJSON(t, sock, types.Message{Type: types.TypePing})
	require.Equal(t, types.TypePong, readReply(t, br).Type)

	// The bucket is empty now; the next message is rejected but the
	// connection survives.
	writeJSON(t, sock, types.Message{Type: types.TypePing})
	limited := readReply(t, br)
	require.Equal(t, types.TypeError, limited.Type)
	require.NotNil(t, limited.Error)
	assert.Equal(t, string(types.KindRateLimit), limited.Error.Code)
	assert.Positive(t, limited.Error.RetryAfterMS)
}

func TestFragmentedDeliveryAcrossReads(t *testing.T) {
	addr := startServer(t, testServerConfig())
	sock, br := dialUpgraded(t, addr)

	// One frame dribbled over multiple TCP writes still decodes whole.
	payload, err := json.Marshal(types.Message{Type: types.TypeAuth, Token: "tok-alice"})
	require.NoError(t, err)
	key := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	frame := []byte{0x81, 0x80 | byte(len(payload))}
	frame = append(frame, key[:]...)
	for i, b := range payload {
		frame = append(frame, b^key[i%4])
	}
	for _, b := range frame {
		_, err := sock.Write([]byte{b})
		require.NoError(t, err)
	}

	assert.Equal(t, types.TypeAuthOK, readReply(t, br).Type)
}

func TestIdleSweepClosesConnection(t *testing.T) {
	cfg := testServerConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	addr := startServer(t, cfg)
	sock, br := dialUpgraded(t, addr)
	_ = sock

	require.Eventually(t, func() bool {
		_ = sock.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var hdr [2]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return false
		}
		return hdr[0]&0x0F == wire.OpClose
	}, 3*time.Second, 10*time.Millisecond, "expected a close frame from the idle sweep")
}

func TestStrayTextAfterUpgradeGetsErrorReply(t *testing.T) {
	addr := startServer(t, testServerConfig())
	sock, br := dialUpgraded(t, addr)

	writeMasked(t, sock, wire.OpText, []byte("not json at all"))

	reply := readReply(t, br)
	require.Equal(t, types.TypeError, reply.Type)
	require.NotNil(t, reply.Error)
	assert.Equal(t, string(types.KindProtocol), reply.Error.Code)
}

func TestStopClosesClientsWithGoingAway(t *testing.T) {
	cfg := testServerConfig()
	h := hub.New(cfg, zerolog.Nop())
	r := router.New(h, nil, auth.AllowAll(), audit.Nop{}, zerolog.Nop())
	s := New(cfg, h, r, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))

	sock, br := dialUpgraded(t, s.Addr().String())
	_ = sock

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, wire.CloseGoingAway, readClose(t, br))

	// The listener is gone too.
	_, err := net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}
