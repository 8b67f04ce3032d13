package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"whiteboard-backend/internal/cache"
)

// SessionData Redis에 저장되는 라이브 세션 하트비트
type SessionData struct {
	RoomID        string `json:"roomId"`
	ConnID        string `json:"connId"`
	UserID        int64  `json:"userId"`
	UserName      string `json:"userName"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	ServerID      string `json:"serverId"` // 멀티 서버 확장 대비
}

// heartbeatTTL 하트비트 키 수명. 갱신은 오퍼레이션 수신 시점마다 일어난다.
const heartbeatTTL = 60 * time.Second

// presenceChannel 입장/퇴장 이벤트가 발행되는 pub/sub 채널
const presenceChannel = "presence_updates"

// Heartbeat Redis 기반 세션 생존 신호. 선택적 구성 요소라 client가 nil이면
// 모든 연산이 no-op이다.
type Heartbeat struct {
	client   *cache.RedisClient
	serverID string
}

func NewHeartbeat(client *cache.RedisClient, serverID string) *Heartbeat {
	return &Heartbeat{client: client, serverID: serverID}
}

func sessionKey(connID string) string {
	return fmt.Sprintf("presence:session:%s", connID)
}

// Set 세션 등록 (입장 시)
func (h *Heartbeat) Set(ctx context.Context, roomID, connID string, userID int64, userName string) error {
	if h == nil || h.client == nil {
		return nil
	}

	data := SessionData{
		RoomID:        roomID,
		ConnID:        connID,
		UserID:        userID,
		UserName:      userName,
		LastHeartbeat: time.Now().Unix(),
		ServerID:      h.serverID,
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := h.client.Set(ctx, sessionKey(connID), jsonData, heartbeatTTL); err != nil {
		return err
	}
	return h.publishUpdate(ctx, data)
}

// Refresh TTL 연장 (오퍼레이션 수신 시)
func (h *Heartbeat) Refresh(ctx context.Context, connID string) error {
	if h == nil || h.client == nil {
		return nil
	}

	ok, err := h.client.Expire(ctx, sessionKey(connID), heartbeatTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s not found (expired)", connID)
	}
	return nil
}

// Remove 세션 삭제 (퇴장/연결 종료 시)
func (h *Heartbeat) Remove(ctx context.Context, connID string) error {
	if h == nil || h.client == nil {
		return nil
	}
	if err := h.client.Del(ctx, sessionKey(connID)); err != nil {
		return err
	}
	return h.publishUpdate(ctx, SessionData{ConnID: connID, ServerID: h.serverID})
}

// publishUpdate 입장/퇴장 이벤트 발행 (다른 인스턴스 통지용)
func (h *Heartbeat) publishUpdate(ctx context.Context, data SessionData) error {
	return h.client.Publish(ctx, presenceChannel, data)
}
