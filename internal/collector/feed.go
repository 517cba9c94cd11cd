package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pageflo/pflo/internal/collector/storage"
)

// ErrTooManyConnections is returned by AddClient when the feed is full.
var ErrTooManyConnections = errors.New("too many feed connections")

const writeWait = 10 * time.Second

// Source supplies snapshots of recently stored beacons.
type Source interface {
	Recent(ctx context.Context, q storage.Query) ([]storage.Beacon, error)
	Count(ctx context.Context) (int64, error)
}

type client struct {
	conn *websocket.Conn
	f    *Feed
	send chan []byte
	// after is the highest ID in the client's first snapshot. Deltas
	// skip beacons at or below it.
	after int64
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.f.RemoveClient(c)
			return
		}
	}
}

// Feed pushes beacons to websocket viewers: a snapshot on connect and
// periodically after, and coalesced deltas in between.
type Feed struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	source   Source
	throttle time.Duration
	size     int
	maxConns int

	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once

	flushMu    sync.Mutex
	pending    []storage.Beacon
	flushTimer *time.Timer
}

// NewFeed starts a feed. A zero snapshotInterval disables periodic
// snapshots and a zero maxConns allows any number of viewers.
func NewFeed(source Source, throttle, snapshotInterval time.Duration, snapshotSize, maxConns int) *Feed {
	f := &Feed{
		clients:  make(map[*client]bool),
		source:   source,
		throttle: throttle,
		size:     snapshotSize,
		maxConns: maxConns,
		done:     make(chan struct{}),
	}
	if f.size <= 0 {
		f.size = 100
	}
	if snapshotInterval > 0 {
		f.ticker = time.NewTicker(snapshotInterval)
		go f.snapshotLoop()
	}
	return f
}

// Stop ends periodic snapshots and disconnects every viewer.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		if f.ticker != nil {
			f.ticker.Stop()
		}
		f.mu.Lock()
		for c := range f.clients {
			delete(f.clients, c)
			close(c.send)
		}
		f.mu.Unlock()
	})
}

func (f *Feed) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, f: f, send: make(chan []byte, 64)}

	f.mu.RLock()
	full := f.maxConns > 0 && len(f.clients) >= f.maxConns
	f.mu.RUnlock()
	if full {
		return nil, ErrTooManyConnections
	}

	// Queue waits while the snapshot is taken, so every beacon is either
	// in the snapshot or in a later delta.
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	data, maxID, ok := f.snapshot()
	if ok {
		c.after = maxID
		c.send <- data
	}

	f.mu.Lock()
	if f.maxConns > 0 && len(f.clients) >= f.maxConns {
		f.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	f.clients[c] = true
	f.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (f *Feed) RemoveClient(c *client) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
	f.mu.Unlock()
}

// Queue schedules b for the next delta.
func (f *Feed) Queue(b storage.Beacon) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.pending = append(f.pending, b)
	if f.flushTimer == nil {
		f.flushTimer = time.AfterFunc(f.throttle, f.flush)
	}
}

func (f *Feed) flush() {
	f.flushMu.Lock()
	pending := f.pending
	f.pending = nil
	f.flushTimer = nil
	f.flushMu.Unlock()

	if len(pending) == 0 {
		return
	}
	data, err := json.Marshal(Message{Type: MsgDelta, Payload: DeltaPayload{Beacons: pending}})
	if err != nil {
		log.Printf("[collector] delta marshal: %v", err)
		return
	}
	for _, c := range f.snapshotClients() {
		msg := data
		if c.after > 0 {
			fresh := beaconsAfter(pending, c.after)
			if len(fresh) == 0 {
				continue
			}
			if len(fresh) < len(pending) {
				if msg, err = json.Marshal(Message{Type: MsgDelta, Payload: DeltaPayload{Beacons: fresh}}); err != nil {
					log.Printf("[collector] delta marshal: %v", err)
					continue
				}
			}
		}
		f.deliver(c, msg)
	}
}

func beaconsAfter(beacons []storage.Beacon, id int64) []storage.Beacon {
	var out []storage.Beacon
	for _, b := range beacons {
		if b.ID > id {
			out = append(out, b)
		}
	}
	return out
}

func (f *Feed) snapshotLoop() {
	for {
		select {
		case <-f.done:
			return
		case <-f.ticker.C:
			if data, _, ok := f.snapshot(); ok {
				f.broadcastRaw(data)
			}
		}
	}
}

// snapshot also returns the highest beacon ID it holds.
func (f *Feed) snapshot() ([]byte, int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	beacons, err := f.source.Recent(ctx, storage.Query{Limit: f.size})
	if err != nil {
		log.Printf("[collector] snapshot query: %v", err)
		return nil, 0, false
	}
	total, err := f.source.Count(ctx)
	if err != nil {
		log.Printf("[collector] snapshot count: %v", err)
		return nil, 0, false
	}
	if beacons == nil {
		beacons = []storage.Beacon{}
	}
	var maxID int64
	for _, b := range beacons {
		maxID = max(maxID, b.ID)
	}
	data, err := json.Marshal(Message{Type: MsgSnapshot, Payload: SnapshotPayload{Beacons: beacons, Total: total}})
	if err != nil {
		log.Printf("[collector] snapshot marshal: %v", err)
		return nil, 0, false
	}
	return data, maxID, true
}

func (f *Feed) snapshotClients() []*client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	clients := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	return clients
}

func (f *Feed) broadcastRaw(data []byte) {
	for _, c := range f.snapshotClients() {
		f.deliver(c, data)
	}
}

func (f *Feed) deliver(c *client, data []byte) {
	if !f.trySend(c, data) {
		log.Printf("[collector] feed client too slow, disconnecting")
		f.RemoveClient(c)
	}
}

// trySend reports false when c's buffer is full. A client removed
// concurrently counts as sent.
func (f *Feed) trySend(c *client, data []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.clients[c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}
