package handler

import (
	"context"
	"encoding/json"
	"log"
	"time"
	"unicode/utf8"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"whiteboard-backend/internal/cache"
	"whiteboard-backend/internal/event"
	"whiteboard-backend/internal/metrics"
	"whiteboard-backend/internal/model"
	"whiteboard-backend/internal/presence"
	"whiteboard-backend/internal/registry"
	"whiteboard-backend/internal/store"
)

// maxChatLength 채팅 메시지 최대 바이트 길이
const maxChatLength = 2000

// accessChecker resolves the durable membership backing a room id.
type accessChecker interface {
	LoadMembership(roomID string) (*store.Membership, error)
}

// BoardWSHandler 룸 웹소켓 게이트웨이. 업그레이드 미들웨어에서 인증이
// 끝난 연결의 read loop를 돌리며 join/leave/오퍼레이션을 디스패치한다.
type BoardWSHandler struct {
	registry  *registry.Registry
	presence  *presence.Manager
	store     *store.Store
	access    accessChecker
	tasks     *store.TaskQueue
	chatCache *cache.RedisClient // nil이면 비활성
}

// NewBoardWSHandler BoardWSHandler 생성
func NewBoardWSHandler(reg *registry.Registry, pres *presence.Manager, st *store.Store, tasks *store.TaskQueue, chatCache *cache.RedisClient) *BoardWSHandler {
	h := &BoardWSHandler{
		registry:  reg,
		presence:  pres,
		store:     st,
		tasks:     tasks,
		chatCache: chatCache,
	}
	if st != nil {
		h.access = st
	}
	return h
}

// connState one authenticated websocket connection. A connection is in at
// most one room at a time; joining another room leaves the current one.
type connState struct {
	connID   string
	userID   int64
	nickname string
	conn     registry.Conn

	room        *registry.Room
	participant *registry.Participant
}

// HandleWebSocket WebSocket 연결 처리
func (h *BoardWSHandler) HandleWebSocket(c *websocket.Conn) {
	userID, ok1 := c.Locals("userID").(int64)
	nickname, ok2 := c.Locals("nickname").(string)
	if !ok1 || !ok2 {
		// 업그레이드 미들웨어가 항상 채워주지만, 비어 있으면 닫는다 (fail closed)
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"unauthenticated connection"}`))
		c.Close()
		return
	}

	cs := &connState{
		connID:   uuid.New().String(),
		userID:   userID,
		nickname: nickname,
		conn:     c,
	}

	log.Printf("[BoardWS] Connected: user=%d conn=%s", userID, cs.connID)

	defer func() {
		h.leaveCurrentRoom(cs)
		c.Close()
		log.Printf("[BoardWS] Disconnected: user=%d conn=%s", userID, cs.connID)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}
		h.dispatch(cs, msgBytes)
	}
}

// dispatch handles one inbound frame. 프레임 단위로 panic을 복구하므로
// 잘못된 페이로드 하나가 다른 참가자들의 연결을 무너뜨릴 수 없다.
func (h *BoardWSHandler) dispatch(cs *connState, msgBytes []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[BoardWS] Recovered from panic handling frame from %s: %v", cs.connID, r)
		}
	}()

	op, err := event.Decode(msgBytes)
	if err != nil {
		// 조용히 버린다. 브로드캐스트 스트림을 끊을 이유가 없다.
		metrics.ProtocolErrors.Inc()
		log.Printf("[BoardWS] Dropping frame from %s: %v", cs.connID, err)
		return
	}

	switch op.Type {
	case event.TypeJoin:
		h.joinRoom(cs, op.RoomID)
		return
	case event.TypeLeave:
		if cs.room == nil || cs.room.ID != op.RoomID {
			h.sendError(cs, "not in room "+op.RoomID)
			return
		}
		h.leaveCurrentRoom(cs)
		return
	}

	// 이하 모든 메시지는 현재 입장한 룸이 필요하다
	if cs.room == nil {
		h.sendError(cs, "join a room first")
		return
	}
	if cs.room.ID != op.RoomID {
		h.sendError(cs, "not in room "+op.RoomID)
		return
	}

	switch op.Type {
	case event.TypeRequestSync:
		h.handleRequestSync(cs, op)

	case event.TypeLoadSnapshot:
		h.handleLoadSnapshot(cs, op)

	case event.TypeBoardCleared:
		// 캐시를 비운 뒤 전파한다. 두 번 연속 와도 결과는 같다.
		h.registry.Clear(op.RoomID)
		cs.room.Publish(op, cs.connID)
		h.presence.HandleActivity(cs.participant)

	case event.TypeBoardSaved:
		// 클라이언트가 내구 저장 성공을 보고했다. 리플레이 캐시는 이제
		// 스냅샷으로 대체 가능하므로 버린다.
		h.registry.Clear(op.RoomID)
		cs.room.Publish(op, cs.connID)
		h.presence.HandleActivity(cs.participant)

	case event.TypeChat:
		h.handleChat(cs, op)

	default:
		// 드로잉 오퍼레이션: 캐시에 쌓고 발신자를 제외한 전원에게 전달
		cs.room.Apply(op, cs.connID)
		h.presence.HandleActivity(cs.participant)
		metrics.OperationsBroadcast.WithLabelValues(op.Type).Inc()
	}
}

// handleChat broadcasts the message like any operation and additionally
// persists it (postgres + redis recent list), both fire-and-forget.
func (h *BoardWSHandler) handleChat(cs *connState, op *event.Operation) {
	op.Message = truncateChat(op.Message)

	cs.room.Apply(op, cs.connID)
	h.presence.HandleActivity(cs.participant)
	metrics.OperationsBroadcast.WithLabelValues(op.Type).Inc()

	chat := &model.ChatLog{
		RoomID:   op.RoomID,
		UserID:   cs.userID,
		UserName: cs.nickname,
		Message:  op.Message,
	}
	h.tasks.Enqueue("save-chat-message", func() error {
		return h.store.SaveChatMessage(chat)
	})

	if h.chatCache != nil {
		cached := &cache.RoomChatMessage{
			RoomID:   op.RoomID,
			UserID:   cs.userID,
			UserName: cs.nickname,
			Message:  op.Message,
		}
		roomID := op.RoomID
		h.tasks.Enqueue("cache-chat-message", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return h.chatCache.AddChatMessage(ctx, roomID, cached)
		})
	}
}

// truncateChat trims a message to maxChatLength bytes without splitting a
// multi-byte character across the cut.
func truncateChat(s string) string {
	if len(s) <= maxChatLength {
		return s
	}
	cut := maxChatLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// sendError 호출자에게만 전달되는 비치명적 에러 이벤트. 연결은 유지된다.
func (h *BoardWSHandler) sendError(cs *connState, message string) {
	metrics.ProtocolErrors.Inc()
	if cs.participant != nil {
		if err := cs.participant.Send(event.NewError(message)); err != nil {
			log.Printf("[BoardWS] Failed to send error to %s: %v", cs.connID, err)
		}
		return
	}

	// 메시지에 룸 ID 같은 클라이언트 입력이 들어가므로 반드시 마샬링한다
	data, err := json.Marshal(event.NewError(message))
	if err != nil {
		return
	}
	if err := cs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[BoardWS] Failed to send error to %s: %v", cs.connID, err)
	}
}
