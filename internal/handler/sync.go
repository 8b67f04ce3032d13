package handler

import (
	"log"
	"strings"

	"whiteboard-backend/internal/event"
	"whiteboard-backend/internal/metrics"
	"whiteboard-backend/internal/registry"
)

// joinRoom validates the room id, runs the durable access check, registers
// the connection, and lets the catch-up sequence play out:
//
//  1. the cached operation log (if any) is delivered as a single ordered
//     batch inside Room.Join, before any live operation can reach us
//  2. the client then broadcasts board:request-sync itself; peers answer
//     with board:load-snapshot which the server routes back (first reply
//     wins, see handleLoadSnapshot)
//  3. no peers and no cache means the client falls back to the durable
//     snapshot over REST, or renders a blank board - not an error
func (h *BoardWSHandler) joinRoom(cs *connState, roomID string) {
	if strings.TrimSpace(roomID) == "" {
		h.sendError(cs, "invalid room id")
		return
	}

	// 보드 레코드가 있으면 멤버만 입장 가능. 레코드가 없는 룸은
	// 프리뷰/임시 보드라 누구나 입장한다.
	if h.access != nil {
		membership, err := h.access.LoadMembership(roomID)
		if err != nil {
			log.Printf("[BoardWS] Membership lookup failed for %s: %v", roomID, err)
			// 영속 저장소 장애가 라이브 경로를 막아서는 안 된다
		} else if membership != nil && !membership.Allows(cs.userID) {
			h.sendError(cs, "access denied for room "+roomID)
			return
		}
	}

	if cs.room != nil {
		if cs.room.ID == roomID {
			return
		}
		h.leaveCurrentRoom(cs)
	}

	room := h.registry.GetOrCreate(roomID)
	p := &registry.Participant{
		ConnID:   cs.connID,
		UserID:   cs.userID,
		UserName: cs.nickname,
		RoomID:   roomID,
		Conn:     cs.conn,
	}

	room.Join(p)
	cs.room = room
	cs.participant = p

	h.presence.HandleJoin(room, p)

	metrics.ParticipantsConnected.Inc()
	metrics.RoomsActive.Set(float64(h.registry.RoomCount()))
}

// leaveCurrentRoom handles explicit leave and socket close alike.
func (h *BoardWSHandler) leaveCurrentRoom(cs *connState) {
	if cs.room == nil {
		return
	}
	room, p := cs.room, cs.participant
	cs.room, cs.participant = nil, nil

	if !room.Leave(cs.connID) {
		return
	}
	h.presence.HandleLeave(room, p)

	// 참가자도 캐시도 없으면 룸을 내린다
	if room.Size() == 0 && room.CacheLen() == 0 {
		h.registry.Remove(room.ID)
	}

	metrics.ParticipantsConnected.Dec()
	metrics.RoomsActive.Set(float64(h.registry.RoomCount()))
}

// handleRequestSync fans a late joiner's snapshot request out to every
// present peer, tagged with the requester's connection id so replies can be
// routed straight back.
func (h *BoardWSHandler) handleRequestSync(cs *connState, op *event.Operation) {
	op.Target = cs.connID
	cs.room.Publish(op, cs.connID)
}

// handleLoadSnapshot routes a peer's snapshot reply to the requester only.
// Every peer answers independently, so the requester may be offered zero,
// one, or many snapshots; the first reply wins and later ones are dropped.
func (h *BoardWSHandler) handleLoadSnapshot(cs *connState, op *event.Operation) {
	target := op.Target
	if target == "" {
		log.Printf("[BoardWS] load-snapshot from %s without target, dropping", cs.connID)
		return
	}
	op.Target = ""

	if !cs.room.ClaimSnapshot(target) {
		metrics.SnapshotRepliesDropped.Inc()
		return
	}
	if cs.room.SendTo(target, op) {
		metrics.SnapshotRelays.Inc()
	}
}
