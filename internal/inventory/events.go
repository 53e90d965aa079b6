package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// EventType identifies a spool lifecycle event on the push feed.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is one JSON envelope from the inventory's WebSocket feed.
type Event struct {
	Type     EventType `json:"type"`
	Resource string    `json:"resource"`
	Payload  Spool     `json:"payload"`
}

// EventStream is one live WebSocket connection to the spool event feed.
// When Next returns an error the stream is dead; the caller reconnects
// with DialEvents and must treat the gap as lost events.
type EventStream struct {
	conn     *websocket.Conn
	readIdle time.Duration
}

// DialEvents connects to the spool event feed.
func (c *Client) DialEvents(ctx context.Context) (*EventStream, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+"/spool", nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("inventory: websocket dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("inventory: websocket dial: %w", err)
	}
	c.log.Info().Str("url", c.wsURL+"/spool").Msg("connected to event stream")
	return &EventStream{conn: conn, readIdle: c.readIdle}, nil
}

// Next blocks for the next spool event. Messages that are not spool
// envelopes are skipped. A read idle timeout marks the connection dead.
func (s *EventStream) Next() (Event, error) {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readIdle)); err != nil {
			return Event{}, fmt.Errorf("inventory: websocket deadline: %w", err)
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return Event{}, fmt.Errorf("inventory: websocket read: %w", err)
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			// Not a JSON envelope; ignore.
			continue
		}
		if event.Resource != "" && event.Resource != "spool" {
			continue
		}
		switch event.Type {
		case EventAdded, EventUpdated, EventDeleted:
			return event, nil
		}
	}
}

// Close tears the connection down.
func (s *EventStream) Close() error {
	return s.conn.Close()
}
