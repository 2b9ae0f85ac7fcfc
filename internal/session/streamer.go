package session

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Streamer pumps one session's message queue onto a WebSocket connection.
type Streamer struct {
	session *Session
}

// NewStreamer creates a streamer for the given session.
func NewStreamer(s *Session) *Streamer {
	return &Streamer{session: s}
}

// Stream writes queued messages to conn until the stream is complete, the
// consumer goes away, or ctx is cancelled. Returns nil on a completed
// stream or a normal client close; the connection itself is not closed
// here (callers own the conn).
func (st *Streamer) Stream(ctx context.Context, conn *websocket.Conn) error {
	// Reads are only consumed to detect client departure; inbound frames
	// carry no meaning on this channel.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	q := st.session.queue
	for {
		for {
			m, ok := q.TryDequeue()
			if !ok {
				break
			}
			if err := conn.WriteJSON(m); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					return fmt.Errorf("stream session %s: %w", st.session.ID, err)
				}
				return nil
			}
		}
		if q.Drained() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readClosed:
			// Remaining messages stay queued for a reconnecting consumer
			// within the grace period.
			return nil
		case <-q.Wait():
		}
	}
}
