package websocket

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize bounds the payload length the server will accept from a
// dashboard client. Dashboard clients never send anything but pings and
// close frames; anything past this is treated as misbehaving.
const maxFrameSize = 64 * 1024

// wsGUID is the fixed GUID from RFC 6455 §4.1 used to derive
// Sec-WebSocket-Accept from the client's Sec-WebSocket-Key.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handler upgrades incoming HTTP connections to the WebSocket protocol and
// streams live Report broadcasts from a Broadcaster to each connected
// dashboard client.
//
// Each connection gets a reader goroutine that discards inbound frames
// (dashboard clients are pure subscribers — they never push reports back)
// and the ServeHTTP goroutine itself drains the registered Client's Send()
// channel, writing each broadcast Report as a server-to-client text frame.
type Handler struct {
	broadcaster *Broadcaster
	logger      *slog.Logger

	// writeTimeout bounds how long a single frame write may take before the
	// connection is torn down as unresponsive.
	writeTimeout time.Duration
}

// NewHandler builds a Handler fed by broadcaster. A non-positive
// writeTimeout falls back to 10 seconds.
func NewHandler(broadcaster *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		broadcaster:  broadcaster,
		logger:       logger,
		writeTimeout: writeTimeout,
	}
}

// ServeHTTP performs the WebSocket upgrade handshake, registers the
// connection with the broadcaster, and relays report broadcasts until the
// client disconnects or the broadcaster shuts the connection down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	conn, bufrw, err := h.hijack(w)
	if err != nil {
		h.logger.Error("websocket: hijack failed", slog.Any("error", err))
		return
	}

	if err := handshake(bufrw, key); err != nil {
		h.logger.Error("websocket: handshake failed", slog.Any("error", err))
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	client := h.broadcaster.Register(clientID)
	defer h.broadcaster.Unregister(clientID)

	h.logger.Info("websocket: dashboard client subscribed to report stream",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go h.runReader(conn, clientID, done, closeOnce)

	h.runWriter(conn, client, done, closeOnce)
}

// hijack promotes the HTTP response to a raw TCP connection so the handler
// can take over framing for the lifetime of the WebSocket session.
func (h *Handler) hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// runReader discards every frame the client sends (it only ever sends
// control frames) until the connection closes, then signals done.
func (h *Handler) runReader(conn net.Conn, clientID string, done chan struct{}, closeOnce func()) {
	defer close(done)
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("websocket: reader panic recovered",
				slog.Any("recover", rec), slog.String("client_id", clientID))
		}
	}()
	drainClientFrames(conn, h.logger, clientID)
	closeOnce()
}

// runWriter drains client.Send() and writes each broadcast report to conn as
// a WebSocket text frame until the client disconnects or the broadcaster
// closes the channel.
func (h *Handler) runWriter(conn net.Conn, client *Client, done <-chan struct{}, closeOnce func()) {
	for {
		select {
		case <-done:
			return

		case report, ok := <-client.Send():
			if !ok {
				closeOnce()
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Warn("websocket: set write deadline failed", slog.Any("error", err))
				closeOnce()
				return
			}
			if err := writeTextFrame(conn, report); err != nil {
				h.logger.Warn("websocket: report frame write failed", slog.Any("error", err))
				closeOnce()
				return
			}
		}
	}
}

// isWebSocketUpgrade reports whether r carries the upgrade headers required
// by RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// handshake writes the 101 Switching Protocols response derived from the
// client's Sec-WebSocket-Key.
func handshake(bufrw *bufio.ReadWriter, key string) error {
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKeyFor(key) + "\r\n\r\n"

	if _, err := bufrw.WriteString(resp); err != nil {
		return fmt.Errorf("write handshake response: %w", err)
	}
	return bufrw.Flush()
}

// acceptKeyFor derives Sec-WebSocket-Accept from a client's
// Sec-WebSocket-Key per RFC 6455 §4.1.
func acceptKeyFor(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	sum := sha1.New()
	sum.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum.Sum(nil))
}

// writeTextFrame encodes payload as a single unfragmented, unmasked text
// frame (FIN=1, opcode 0x1). RFC 6455 §5.1 forbids masking on the
// server-to-client direction.
func writeTextFrame(conn net.Conn, payload []byte) error {
	n := len(payload)
	var header []byte

	switch {
	case n < 126:
		header = []byte{0x81, byte(n)}
	case n < 65536:
		header = []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// drainClientFrames reads and discards inbound frames until the connection
// closes or a close frame arrives, so the receive buffer never fills up and
// disconnects are detected promptly.
func drainClientFrames(conn net.Conn, logger *slog.Logger, clientID string) {
	buf := bufio.NewReader(conn)
	for {
		b0, err := buf.ReadByte()
		if err != nil {
			return
		}
		b1, err := buf.ReadByte()
		if err != nil {
			return
		}

		opcode := b0 & 0x0F
		masked := (b1 & 0x80) != 0
		length := int64(b1 & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			// A raw length above maxFrameSize is rejected outright, both because
			// no legitimate dashboard client sends frames this large and to
			// avoid the uint64→int64 wraparound that would otherwise make the
			// subsequent allocation panic.
			rawLen := binary.BigEndian.Uint64(ext[:])
			if rawLen > maxFrameSize {
				return
			}
			length = int64(rawLen)
		}

		if masked {
			var maskKey [4]byte
			if _, err := buf.Read(maskKey[:]); err != nil {
				return
			}
		}

		if length > 0 {
			if _, err := io.CopyN(io.Discard, buf, length); err != nil {
				return
			}
		}

		if opcode == 0x08 {
			logger.Debug("websocket: client sent close frame", slog.String("client_id", clientID))
			return
		}
	}
}
