package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// Options 控制单条连接的传输参数。
type Options struct {
	SendQueue     int
	MaxFrameBytes int64
	// ReadTimeout closes a connection that delivers nothing, not even a
	// websocket pong, for this long.
	ReadTimeout time.Duration
	// PingPeriod is the interval of transport level pings. It keeps
	// intermediaries from dropping idle connections.
	PingPeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.ReadTimeout {
		o.PingPeriod = o.ReadTimeout * 9 / 10
	}
	return o
}

// Client 是一条 websocket 连接的传输端，实现 relay.Sender。
// send 有界，写满即视为慢消费者。
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, queue int) *Client {
	return &Client{conn: conn, send: make(chan []byte, queue), done: make(chan struct{})}
}

// Enqueue never blocks.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the writer to flush what is queued, send a close frame and stop.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Serve upgrades the request and runs the connection until either side
// closes it. Authentication happens in-band with the first frame.
func Serve(rl *relay.Relay, opts Options) gin.HandlerFunc {
	opts = opts.withDefaults()
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("ws upgrade")
			return
		}
		client := newClient(conn, opts.SendQueue)
		s := rl.Open(client)

		go client.writePump(opts.PingPeriod)
		client.readPump(rl, s, opts)
	}
}

func (c *Client) readPump(rl *relay.Relay, s *relay.Session, opts Options) {
	ctx, cancel := context.WithCancel(context.Background())
	var cause error
	defer func() {
		cancel()
		rl.Close(s, cause)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(opts.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			cause = transportError(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		rl.Handle(ctx, s, data)
	}
}

func (c *Client) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, typically the error frame that
// explains why the connection is being closed.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(message []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func transportError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		return fmt.Errorf("%w: peer closed (%d)", relay.ErrTransport, ce.Code)
	}
	return fmt.Errorf("%w: %v", relay.ErrTransport, err)
}
