package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	readWait   = 5 * time.Minute
	sendBuffer = 64
)

// ErrClientClosed is returned by Send after the client has been closed.
var ErrClientClosed = errors.New("websocket client closed")

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadJSON(v)
}

// Client serializes writes to one connection. Session notices arrive on
// the session goroutine while replies come from the read loop, and a
// gorilla connection allows only one concurrent writer.
type Client struct {
	conn    *websocket.Conn
	send    chan interface{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	log     zerolog.Logger
}

func NewClient(conn *websocket.Conn, log zerolog.Logger) *Client {
	c := &Client{
		conn:    conn,
		send:    make(chan interface{}, sendBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log,
	}
	go c.writePump()
	return c
}

// Send queues v without blocking. A client that cannot keep up is closed.
func (c *Client) Send(v interface{}) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- v:
		return nil
	default:
		c.log.Warn().Msg("Send buffer full, closing slow client")
		c.stop()
		return ErrClientClosed
	}
}

// Error queues an ErrorResponse.
func (c *Client) Error(action Action, code, msg string) {
	_ = c.Send(ErrorResponse{Event: EventError, Action: action, Code: code, Error: msg})
}

// Read blocks for the next message.
func (c *Client) Read(v interface{}) error {
	return ReadJSON(c.conn, v)
}

// Close flushes what is already queued and closes the connection. Safe to
// call more than once.
func (c *Client) Close() {
	c.stop()
	<-c.stopped
}

// Done is closed once the client stops accepting messages.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) writePump() {
	defer close(c.stopped)
	defer c.conn.Close()

	for {
		select {
		case v := <-c.send:
			if err := WriteTyped(c.conn, v); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.stop()
				return
			}
		case <-c.done:
			for {
				select {
				case v := <-c.send:
					if err := WriteTyped(c.conn, v); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}
