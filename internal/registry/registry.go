package registry

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"whiteboard-backend/internal/event"
)

// Conn is the minimal write surface the registry needs from a transport
// connection. *websocket.Conn satisfies it; tests supply fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

// Participant one live connection inside a room
type Participant struct {
	ConnID   string
	UserID   int64
	UserName string
	RoomID   string
	JoinedAt time.Time

	Conn    Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	// awaitingSnapshot is set on join and cleared once the first
	// board:load-snapshot reply has been forwarded (first-reply-wins).
	awaitingSnapshot bool
}

// Send marshals v and writes it to the participant's connection.
// 연결별 writeMu로 직렬화되므로 여러 고루틴에서 호출해도 안전하다.
func (p *Participant) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

// TouchActivity 마지막 활동 시각 갱신
func (p *Participant) TouchActivity() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// LastActivity returns the last time this participant emitted an operation.
func (p *Participant) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Room a live collaboration space: the participant set plus the transient
// operation cache used to backfill late joiners.
//
// Every mutation and every broadcast runs under the single room mutex, the
// Go rendering of the source system's single-threaded event loop: broadcast
// order equals arrival order at the server, and a join's catch-up batch is
// delivered strictly before any operation broadcast after the join.
type Room struct {
	ID           string
	participants map[string]*Participant
	cache        []event.Operation
	mu           sync.Mutex

	warnThreshold  int
	warned         bool
	onCacheWarning func(roomID string, size int)
}

// Registry maps room ids to live rooms. The registry lock only guards the
// room map; room state is guarded by the per-room lock.
type Registry struct {
	rooms map[string]*Room
	mu    sync.RWMutex

	// warnThreshold 초과 시 운영 경고를 남긴다 (기본 500).
	// 무한 성장은 저장하지 않는 클라이언트의 신호다.
	warnThreshold int

	// OnCacheWarning is invoked once per room per growth episode when the
	// cache crosses the threshold. Used for metrics; may be nil.
	OnCacheWarning func(roomID string, size int)
}

// New creates an empty registry.
func New(warnThreshold int) *Registry {
	if warnThreshold <= 0 {
		warnThreshold = 500
	}
	return &Registry{
		rooms:         make(map[string]*Room),
		warnThreshold: warnThreshold,
	}
}

// GetOrCreate returns the room, creating an empty one if absent. Never fails.
func (r *Registry) GetOrCreate(roomID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[roomID]; ok {
		return room
	}

	room := &Room{
		ID:            roomID,
		participants:  make(map[string]*Participant),
		warnThreshold: r.warnThreshold,
		onCacheWarning: func(roomID string, size int) {
			if r.OnCacheWarning != nil {
				r.OnCacheWarning(roomID, size)
			}
		},
	}
	r.rooms[roomID] = room
	log.Printf("[Registry] Created room: %s", roomID)
	return room
}

// Get returns the room or nil.
func (r *Registry) Get(roomID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// Clear discards the room's operation log. Used after a successful save or
// an explicit board-clear. Idempotent.
func (r *Registry) Clear(roomID string) {
	room := r.Get(roomID)
	if room == nil {
		return
	}
	room.mu.Lock()
	room.cache = nil
	room.warned = false
	room.mu.Unlock()
}

// Remove drops an empty room from the registry. 참가자가 남아 있으면 무시.
func (r *Registry) Remove(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[roomID]; ok {
		room.mu.Lock()
		empty := len(room.participants) == 0
		room.mu.Unlock()
		if empty {
			delete(r.rooms, roomID)
			log.Printf("[Registry] Removed room: %s", roomID)
		}
	}
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ============================================================================
// Room methods
// ============================================================================

// append must be called with room.mu held.
func (room *Room) append(op event.Operation) {
	room.cache = append(room.cache, op)
	size := len(room.cache)
	if size > room.warnThreshold && !room.warned {
		room.warned = true
		log.Printf("[Room %s] Cache exceeded %d operations (%d) - client may never be saving",
			room.ID, room.warnThreshold, size)
		if room.onCacheWarning != nil {
			room.onCacheWarning(room.ID, size)
		}
	}
}

// Join registers the participant and delivers the cached operation log as a
// single ordered batch inside the room critical section, so a live operation
// applied after Join returns can never outrun the catch-up batch.
func (room *Room) Join(p *Participant) {
	room.mu.Lock()
	defer room.mu.Unlock()

	p.JoinedAt = time.Now()
	p.lastActivity = p.JoinedAt
	p.awaitingSnapshot = true
	room.participants[p.ConnID] = p

	if len(room.cache) > 0 {
		replay := make([]event.Operation, len(room.cache))
		copy(replay, room.cache)
		if err := p.Send(event.NewCanvasState(room.ID, replay)); err != nil {
			log.Printf("[Room %s] Failed to deliver replay batch to %s: %v", room.ID, p.ConnID, err)
		}
	}

	log.Printf("[Room %s] Joined: %s (%s), total: %d", room.ID, p.UserName, p.ConnID, len(room.participants))
}

// Leave removes the participant. Returns true if it was present.
func (room *Room) Leave(connID string) bool {
	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.participants[connID]; !ok {
		return false
	}
	delete(room.participants, connID)
	log.Printf("[Room %s] Left: %s, remaining: %d", room.ID, connID, len(room.participants))
	return true
}

// Apply caches the operation (when cacheable) and broadcasts it to every
// participant except the origin, as one atomic step. The origin never
// receives its own operation echoed back.
func (room *Room) Apply(op *event.Operation, excludeConnID string) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if op.Cacheable() {
		room.append(*op)
	}
	room.send(op, excludeConnID)
}

// Publish broadcasts v to every participant except excludeConnID without
// touching the cache. Used for server-originated events.
func (room *Room) Publish(v any, excludeConnID string) {
	room.mu.Lock()
	defer room.mu.Unlock()
	room.send(v, excludeConnID)
}

// send must be called with room.mu held.
func (room *Room) send(v any, excludeConnID string) {
	for id, p := range room.participants {
		if id == excludeConnID {
			continue
		}
		if err := p.Send(v); err != nil {
			log.Printf("[Room %s] Failed to send to %s: %v", room.ID, id, err)
		}
	}
}

// SendTo delivers v to a single participant by connection id.
func (room *Room) SendTo(connID string, v any) bool {
	room.mu.Lock()
	p := room.participants[connID]
	room.mu.Unlock()

	if p == nil {
		return false
	}
	if err := p.Send(v); err != nil {
		log.Printf("[Room %s] Failed to send to %s: %v", room.ID, connID, err)
		return false
	}
	return true
}

// ClaimSnapshot marks the participant as synced and reports whether it was
// still awaiting a snapshot reply. 첫 응답만 전달하고 이후 응답은 버린다.
func (room *Room) ClaimSnapshot(connID string) bool {
	room.mu.Lock()
	p := room.participants[connID]
	room.mu.Unlock()

	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.awaitingSnapshot {
		return false
	}
	p.awaitingSnapshot = false
	return true
}

// Size returns the live participant count at this instant. room-info
// broadcasts must use this, never a cached counter.
func (room *Room) Size() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.participants)
}

// CacheLen returns the current operation log length.
func (room *Room) CacheLen() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.cache)
}

// CacheSnapshot returns a copy of the operation log.
func (room *Room) CacheSnapshot() []event.Operation {
	room.mu.Lock()
	defer room.mu.Unlock()

	out := make([]event.Operation, len(room.cache))
	copy(out, room.cache)
	return out
}
