package realtime

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one authenticated client connection. Reads and writes are
// separated into their own goroutines per the gorilla/websocket idiom:
// a single writer goroutine owns the socket's write side to avoid
// concurrent writes, fed by a bounded channel the hub publishes into.
type Conn struct {
	hub    *Hub
	ws     *websocket.Conn
	userID string
	send   chan []byte
	slow   bool
}

func (c *Conn) deliver(f frame, terminal bool) {
	data := marshalFrame(f)
	select {
	case c.send <- data:
	default:
		if !terminal {
			c.slow = true
			return
		}
		// For a terminal event, make room by discarding the oldest queued
		// frame, whatever its kind; if the buffer is still full, the
		// connection is marked slow.
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- data:
		default:
			c.slow = true
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.leaveAll(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var op clientOp
		if err := json.Unmarshal(data, &op); err != nil {
			continue
		}
		switch op.Op {
		case "subscribe:job":
			c.hub.join(jobGroup(op.JobID), c)
			c.hub.replayDeltas(op.JobID, c)
		case "unsubscribe:job":
			c.hub.leave(jobGroup(op.JobID), c)
		}
	}
}
