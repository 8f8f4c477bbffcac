package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/delivery"
	"github.com/beamcode/beamcode/internal/session"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the socket is dead.
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered between the bridge and the write pump.
	sendBuffer = 256
)

var errSocketClosed = errors.New("socket closed")

// socket adapts one WebSocket connection to the bridge: it is the
// session.Sink the bridge delivers into, and its pumps shuttle frames
// between the wire and the bridge.
type socket struct {
	conn *websocket.Conn
	send chan []byte
	log  *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newSocket(conn *websocket.Conn, log *logger.Logger) *socket {
	return &socket{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  log,
		done: make(chan struct{}),
	}
}

// Deliver queues one sequenced message for the write pump. A full buffer
// means the consumer stopped draining faster than the delivery channel
// could shed; the error makes the bridge disconnect it.
func (s *socket) Deliver(msg delivery.SequencedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSocketClosed
	case s.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close sends a best-effort close frame and tears the connection down.
// Safe to call from any goroutine, repeatedly.
func (s *socket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
	})
	return nil
}

// readPump feeds inbound frames to the bridge until the connection dies,
// then detaches the consumer. Runs on the connection's handler goroutine.
func (s *socket) readPump(b *bridge.Bridge, sess *session.Session, c *session.Consumer) {
	defer func() {
		b.RemoveConsumer(sess, c.ID)
		s.Close(websocket.CloseNormalClosure, "")
	}()

	s.conn.SetReadLimit(b.MaxFrameBytes())
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		for _, frame := range splitFrames(data) {
			if err := b.HandleFrame(sess, c, frame); err != nil {
				if errors.Is(err, bridge.ErrFrameTooLarge) {
					s.Close(websocket.CloseMessageTooBig, "frame too large")
					return
				}
				s.Close(websocket.CloseInternalServerErr, "")
				return
			}
		}
	}
}

// writePump drains the send buffer onto the wire, batching whatever is
// queued into one NDJSON WebSocket message, and keeps the connection
// alive with pings.
func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(data)
			n := len(s.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-s.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

// splitFrames accepts both framings the protocol allows: one JSON object
// per WebSocket message, or an NDJSON batch (the write side batches the
// same way).
func splitFrames(data []byte) [][]byte {
	if !bytes.ContainsRune(data, '\n') {
		return [][]byte{data}
	}
	var frames [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			frames = append(frames, line)
		}
	}
	return frames
}
