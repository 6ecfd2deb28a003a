package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be less than pongWait

	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client is one live websocket connection. It implements fanout.Subscriber:
// frames are queued on a buffered channel and dropped when the peer cannot
// keep up, so a slow consumer never stalls a publisher.
type Client struct {
	gw       *Gateway
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	closing  sync.Once
	userID   string
	provider bool
	online   bool
}

func newClient(gw *Gateway, conn *websocket.Conn, userID string, provider bool) *Client {
	return &Client{
		gw:       gw,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		userID:   userID,
		provider: provider,
	}
}

// Deliver queues a frame without blocking. A false return means the frame
// was dropped, either for a full buffer or a connection already torn down.
// The send channel is never closed: a publisher holding a subscriber
// snapshot that predates teardown must be able to race Deliver safely.
func (c *Client) Deliver(frame []byte) bool {
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

// shutdown is idempotent; frames queued after it are dropped and collected
// with the client.
func (c *Client) shutdown() {
	c.closing.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.gw.teardown(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.log.Warn("websocket read failed", "user_id", c.userID, "error", err)
			}
			return
		}
		c.gw.dispatch(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
