package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"deskrelay/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendQueueSize buffers outbound messages per connection. On
	// overflow the oldest message is dropped; the pipeline's own
	// session queue does the real frame shaping.
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 2 * 1024 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Endpoints dial from arbitrary origins; identity comes from
		// the handshake, not the Origin header.
		return true
	},
}

type outMessage struct {
	binary bool
	data   []byte
}

// Client is one live websocket connection. It implements
// service.PeerConn; the registry owns the device binding.
type Client struct {
	id         string
	claimedID  string // device id from the URL path, bound at handshake
	remoteAddr string
	conn       *websocket.Conn
	send       chan outMessage
	done       chan struct{}
	closeOnce  sync.Once

	mu       sync.Mutex
	deviceID string

	log *logrus.Entry
}

func newClient(conn *websocket.Conn, claimedID string, log *logrus.Logger) *Client {
	c := &Client{
		id:         uuid.NewString(),
		claimedID:  claimedID,
		remoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		send:       make(chan outMessage, sendQueueSize),
		done:       make(chan struct{}),
	}
	c.log = log.WithFields(logrus.Fields{"conn": c.id, "remote": c.remoteAddr})
	return c
}

func (c *Client) ID() string         { return c.id }
func (c *Client) RemoteAddr() string { return c.remoteAddr }

func (c *Client) bind(deviceID string) {
	c.mu.Lock()
	c.deviceID = deviceID
	c.mu.Unlock()
}

// DeviceID returns the bound device id, empty before the device_info
// handshake completes.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// SendJSON enqueues a control-plane message. Reports false when the
// message could not be queued.
func (c *Client) SendJSON(env models.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.WithError(err).Error("marshal envelope")
		return false
	}
	return c.enqueue(outMessage{binary: false, data: data})
}

// SendBinary enqueues a data-plane message.
func (c *Client) SendBinary(data []byte) bool {
	return c.enqueue(outMessage{binary: true, data: data})
}

func (c *Client) enqueue(msg outMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
	}
	// Queue full: drop the oldest entry and try once more.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close shuts the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump serializes all writes to the websocket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			kind := websocket.TextMessage
			if msg.binary {
				kind = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(kind, msg.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump drives the dispatcher until the connection drops, then
// unregisters, which cascades into any session this device holds.
func (c *Client) readPump(relay *Relay) {
	defer func() {
		relay.registry.Unregister(c.id)
		c.Close()
	}()

	c.conn.SetReadLimit(relay.maxFrameBytes + 64*1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("websocket read")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if deviceID := c.DeviceID(); deviceID != "" {
			relay.registry.TouchHeartbeat(deviceID)
		}
		switch kind {
		case websocket.TextMessage:
			relay.dispatchText(c, data)
		case websocket.BinaryMessage:
			relay.dispatchBinary(c, data)
		}
	}
}

// HandleWebSocket upgrades a relay endpoint connection. The device id
// is claimed in the URL and bound by the device_info handshake.
func HandleWebSocket(relay *Relay, ctx *gin.Context) {
	deviceID := ctx.Param("device_id")
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		relay.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := newClient(conn, deviceID, relay.logger)
	go client.writePump()
	go client.readPump(relay)
}
