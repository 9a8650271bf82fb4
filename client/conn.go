// Package client implements the two relay endpoints: a Target that
// shares its screen and injects remote input, and a Controller that
// views frames and sends input. Both speak the relay protocol over a
// single websocket; frames and input are encrypted end to end with the
// session key, so the relay only ever sees ciphertext.
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"deskrelay/models"
)

const (
	dialTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
)

// conn is a websocket connection with serialized writes. Reads stay on
// the single loop the owning endpoint runs.
type conn struct {
	ws *websocket.Conn

	mu sync.Mutex // guards writes

	log *logrus.Entry
}

// dial connects to the relay and performs the device_info handshake.
func dial(ctx context.Context, relayURL, deviceID string, info models.DeviceInfo, log *logrus.Entry) (*conn, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	u.Path = "/ws/" + deviceID

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", u.String(), err)
	}
	c := &conn{ws: ws, log: log}
	if err := c.sendJSON(models.NewEnvelope(models.TypeDeviceInfo, "", info)); err != nil {
		ws.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return c, nil
}

func (c *conn) sendJSON(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env)
}

func (c *conn) sendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *conn) read() (int, []byte, error) {
	return c.ws.ReadMessage()
}

func (c *conn) close() error {
	return c.ws.Close()
}

// heartbeats keeps the registry binding alive until ctx ends.
func (c *conn) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendJSON(models.NewEnvelope(models.TypeHeartbeat, "", nil)); err != nil {
				c.log.WithError(err).Debug("heartbeat send failed")
				return
			}
		}
	}
}
