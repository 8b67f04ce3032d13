// Package presence tracks the live participant set per room and reconciles
// it with the durable active-session store.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"whiteboard-backend/internal/event"
	"whiteboard-backend/internal/registry"
	"whiteboard-backend/internal/store"
)

// SessionStore is the slice of the persistence bridge the presence manager
// depends on.
type SessionStore interface {
	UpsertActiveSession(roomID, connID string, userID int64, userName string) error
	TouchActiveSession(connID string) error
	RemoveActiveSession(connID string) error
	RemoveStaleActiveSessions(threshold time.Duration) ([]string, error)
}

// Manager 방별 참가자 상태 머신: connected → active → disconnected.
// 내구 저장소 쓰기는 전부 태스크 큐를 통해 best-effort로 처리되며
// 브로드캐스트 경로를 절대 막지 않는다.
type Manager struct {
	registry  *registry.Registry
	sessions  SessionStore
	tasks     *store.TaskQueue
	heartbeat *Heartbeat

	// StaleThreshold 내구 세션 레코드가 이 시간 동안 활동이 없으면
	// 스윕에서 제거된다 (비정상 종료 복구).
	StaleThreshold time.Duration
	// SweepInterval 스윕 주기
	SweepInterval time.Duration
	// touchInterval 오퍼레이션마다 내구 저장소에 쓰지 않도록, 연결당
	// 이 간격에 한 번만 last_activity를 갱신한다.
	touchInterval time.Duration

	touchMu   sync.Mutex
	lastTouch map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a presence manager. heartbeat may be nil.
func NewManager(reg *registry.Registry, sessions SessionStore, tasks *store.TaskQueue, heartbeat *Heartbeat, staleThreshold, sweepInterval time.Duration) *Manager {
	if staleThreshold <= 0 {
		staleThreshold = 5 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Manager{
		registry:       reg,
		sessions:       sessions,
		tasks:          tasks,
		heartbeat:      heartbeat,
		StaleThreshold: staleThreshold,
		SweepInterval:  sweepInterval,
		touchInterval:  30 * time.Second,
		lastTouch:      make(map[string]time.Time),
		stop:           make(chan struct{}),
	}
}

// HandleJoin broadcasts user-joined and room-info to the room and projects
// the session into the durable store.
func (m *Manager) HandleJoin(room *registry.Room, p *registry.Participant) {
	room.Publish(event.NewPresence(event.TypeUserJoined, p.UserID, p.UserName, p.ConnID), p.ConnID)
	m.BroadcastRoomInfo(room)

	roomID, connID, userID, userName := room.ID, p.ConnID, p.UserID, p.UserName
	m.tasks.Enqueue("upsert-active-session", func() error {
		return m.sessions.UpsertActiveSession(roomID, connID, userID, userName)
	})
	m.tasks.Enqueue("heartbeat-set", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return m.heartbeat.Set(ctx, roomID, connID, userID, userName)
	})
}

// HandleActivity refreshes the participant's activity timestamp. The durable
// write is throttled per connection and issued fire-and-forget.
func (m *Manager) HandleActivity(p *registry.Participant) {
	p.TouchActivity()

	connID := p.ConnID
	m.touchMu.Lock()
	last := m.lastTouch[connID]
	due := time.Since(last) >= m.touchInterval
	if due {
		m.lastTouch[connID] = time.Now()
	}
	m.touchMu.Unlock()

	if !due {
		return
	}

	m.tasks.Enqueue("touch-active-session", func() error {
		return m.sessions.TouchActiveSession(connID)
	})
	m.tasks.Enqueue("heartbeat-refresh", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return m.heartbeat.Refresh(ctx, connID)
	})
}

// HandleLeave broadcasts user-left and room-info to the remaining
// participants and removes the durable session record. Called for explicit
// leave and for socket close alike.
func (m *Manager) HandleLeave(room *registry.Room, p *registry.Participant) {
	room.Publish(event.NewPresence(event.TypeUserLeft, p.UserID, p.UserName, p.ConnID), p.ConnID)
	m.BroadcastRoomInfo(room)

	connID := p.ConnID
	m.touchMu.Lock()
	delete(m.lastTouch, connID)
	m.touchMu.Unlock()

	m.tasks.Enqueue("remove-active-session", func() error {
		return m.sessions.RemoveActiveSession(connID)
	})
	m.tasks.Enqueue("heartbeat-remove", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return m.heartbeat.Remove(ctx, connID)
	})
}

// BroadcastRoomInfo recomputes the participant count from the live
// connection set at this instant and broadcasts it to the whole room.
func (m *Manager) BroadcastRoomInfo(room *registry.Room) {
	room.Publish(event.NewRoomInfo(room.ID, room.Size()), "")
}

// Run starts the periodic staleness sweep. Blocks until Stop.
func (m *Manager) Run() {
	ticker := time.NewTicker(m.SweepInterval)
	defer ticker.Stop()

	log.Printf("[Presence] Sweep running every %s (stale after %s)", m.SweepInterval, m.StaleThreshold)
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes durable session records with no recent activity and
// re-broadcasts room-info for the affected rooms so remaining participants
// see a count that excludes ungracefully dropped connections.
func (m *Manager) sweep() {
	roomIDs, err := m.sessions.RemoveStaleActiveSessions(m.StaleThreshold)
	if err != nil {
		log.Printf("[Presence] Sweep failed: %v", err)
		return
	}
	if len(roomIDs) == 0 {
		return
	}

	log.Printf("[Presence] Sweep removed stale sessions in %d rooms", len(roomIDs))
	for _, roomID := range roomIDs {
		if room := m.registry.Get(roomID); room != nil {
			m.BroadcastRoomInfo(room)
		}
	}
}

// Stop terminates the sweep loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}
