package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/oklog/ulid/v2"
)

// Live feed event types.
const (
	EventSnapshot  = "board.snapshot.v1"
	EventCondition = "board.condition.v1"
)

// Condition is the payload of a board.condition.v1 event.
type Condition struct {
	Kind    services.ErrorKind `json:"kind"`
	Message string             `json:"message"`
	Papers  int                `json:"cachedPapers"`
}

// encodeSnapshot wraps snap in a CloudEvents JSON envelope.
func encodeSnapshot(source string, snap models.Snapshot) ([]byte, error) {
	return encodeEvent(source, EventSnapshot, snap)
}

// encodeSyncEvent turns a sync event into a snapshot or condition envelope.
func encodeSyncEvent(source string, ev services.SyncEvent) ([]byte, error) {
	if ev.Err == nil {
		return encodeSnapshot(source, ev.Snapshot)
	}
	return encodeEvent(source, EventCondition, Condition{
		Kind:    services.KindOf(ev.Err),
		Message: ev.Err.Error(),
		Papers:  ev.Snapshot.Len(),
	})
}

func encodeEvent(source, eventType string, data any) ([]byte, error) {
	e := cloudevents.NewEvent()
	e.SetID(ulid.Make().String())
	e.SetSource(source)
	e.SetType(eventType)
	e.SetTime(time.Now().UTC())
	if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("failed to set event data: %w", err)
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return buf, nil
}

// deliverLatest puts msg in a client's one-slot buffer, replacing any message
// the client has not picked up yet. The hub is the only sender.
func deliverLatest(send chan []byte, msg []byte) {
	for {
		select {
		case send <- msg:
			return
		default:
		}
		select {
		case <-send:
		default:
		}
	}
}

// hub fans live feed messages out to every connected websocket client.
type hub struct {
	clients     map[chan []byte]bool // set of active clients
	subscribe   chan chan []byte
	unsubscribe chan chan []byte
	broadcast   chan []byte
	done        chan struct{} // closed when run returns
}

func newHub() *hub {
	return &hub{
		clients:     make(map[chan []byte]bool),
		subscribe:   make(chan chan []byte),
		unsubscribe: make(chan chan []byte),
		broadcast:   make(chan []byte, 16),
		done:        make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for send := range h.clients {
				close(send)
				delete(h.clients, send)
			}
			return
		case c := <-h.subscribe:
			h.clients[c] = true
		case c := <-h.unsubscribe:
			if h.clients[c] {
				delete(h.clients, c)
				close(c)
			}
		case msg := <-h.broadcast:
			for send := range h.clients {
				deliverLatest(send, msg)
			}
		}
	}
}
