package gateway

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// sendInitialState queues the latest rate flagged initial:true, or, when
// the client reports the last seq it saw, the buffered envelopes after it.
func (c *Client) sendInitialState(lastSeq int64) {
	c.hub.mu.RLock()
	latest := c.hub.latest
	c.hub.mu.RUnlock()

	if latest.Seq == 0 {
		return
	}

	if lastSeq > 0 && lastSeq < latest.Seq {
		if missed := c.hub.replay.Range(lastSeq+1, latest.Seq); len(missed) > 0 && missed[0].Seq == lastSeq+1 {
			for _, e := range missed {
				c.hub.sendTo(c, e.Data)
			}
			return
		}
	}

	envelope, _ := json.Marshal(map[string]interface{}{
		"event":   EventRateUpdated,
		"data":    latest.Data,
		"ts":      latest.TS.Format(time.RFC3339Nano),
		"seq":     latest.Seq,
		"initial": true,
	})
	c.hub.sendTo(c, envelope)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var req struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &req) != nil {
			continue
		}

		switch {
		case req.Ping > 0:
			pong, _ := json.Marshal(map[string]interface{}{
				"event":     "pong",
				"ping":      req.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.hub.sendTo(c, pong)
		case req.Type == "get_rate":
			c.sendInitialState(0)
		}
	}
}
