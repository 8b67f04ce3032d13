package handler

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"whiteboard-backend/internal/cache"
	"whiteboard-backend/internal/config"
	"whiteboard-backend/internal/event"
	"whiteboard-backend/internal/model"
	"whiteboard-backend/internal/store"
)

// BoardHandler REST surface of the persistence bridge: the durable snapshot
// fallback for late joiners and the chat history.
type BoardHandler struct {
	store     *store.Store
	chatCache *cache.RedisClient // nil이면 비활성
	roomCfg   config.RoomConfig
}

// NewBoardHandler BoardHandler 생성
func NewBoardHandler(st *store.Store, chatCache *cache.RedisClient, roomCfg config.RoomConfig) *BoardHandler {
	return &BoardHandler{store: st, chatCache: chatCache, roomCfg: roomCfg}
}

// SnapshotRequest 스냅샷 저장 요청
type SnapshotRequest struct {
	Img    string        `json:"img"`
	Bounds *event.Bounds `json:"bounds,omitempty"`
}

// GetSnapshot returns the durable snapshot for a room. A room that has never
// been saved returns 404; the client renders a blank board.
func (h *BoardHandler) GetSnapshot(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	if roomID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "room id is required"})
	}

	snap, err := h.store.LoadBoardSnapshot(roomID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load snapshot"})
	}
	if snap == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no snapshot"})
	}

	return c.JSON(fiber.Map{
		"roomId": snap.RoomID,
		"img":    snap.Img,
		"bounds": event.Bounds{X: snap.X, Y: snap.Y, Width: snap.Width, Height: snap.Height},
		"savedAt": snap.UpdatedAt.Format(time.RFC3339),
	})
}

// SaveSnapshot persists the rendered canvas as the board's durable ground
// truth. The client follows up with a board-saved frame on the websocket so
// the room cache gets cleared.
func (h *BoardHandler) SaveSnapshot(c *fiber.Ctx) error {
	userID := c.Locals("userID").(int64)

	roomID := c.Params("roomId")
	if roomID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "room id is required"})
	}

	var req SnapshotRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if !strings.HasPrefix(req.Img, "data:image/") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "img must be an image data URL"})
	}

	membership, err := h.store.LoadMembership(roomID)
	if err != nil {
		log.Printf("[Board] Membership lookup failed for %s: %v", roomID, err)
	} else if !membership.Allows(userID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "access denied"})
	}

	snap := &model.BoardSnapshot{
		RoomID:  roomID,
		Img:     req.Img,
		SavedBy: userID,
	}
	if req.Bounds != nil {
		snap.X = req.Bounds.X
		snap.Y = req.Bounds.Y
		snap.Width = req.Bounds.Width
		snap.Height = req.Bounds.Height
	} else {
		// 경계 없는 레거시 저장: 논리 캔버스 전체로 간주
		snap.Width = event.CanvasWidth
		snap.Height = event.CanvasHeight
	}

	if err := h.store.SaveBoardSnapshot(snap); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to save snapshot"})
	}

	return c.JSON(fiber.Map{"success": true})
}

// GetChatHistory는 룸의 최근 채팅을 반환한다. Redis 캐시를 먼저 보고,
// 비어 있으면 내구 저장소로 내려간다.
func (h *BoardHandler) GetChatHistory(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	if roomID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "room id is required"})
	}

	limit := int64(c.QueryInt("limit", 50))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	if h.chatCache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		cached, err := h.chatCache.GetRecentChatMessages(ctx, roomID, limit)
		if err == nil && len(cached) > 0 {
			return c.JSON(fiber.Map{"messages": cached, "source": "cache"})
		}
	}

	logs, err := h.store.RecentChatMessages(roomID, int(limit))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load chat history"})
	}

	messages := make([]cache.RoomChatMessage, 0, len(logs))
	for _, l := range logs {
		messages = append(messages, cache.RoomChatMessage{
			RoomID:    l.RoomID,
			UserID:    l.UserID,
			UserName:  l.UserName,
			Message:   l.Message,
			Timestamp: l.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{"messages": messages, "source": "store"})
}

// GetClientConfig serves the runtime constants drawing clients need.
func (h *BoardHandler) GetClientConfig(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"canvasWidth":         event.CanvasWidth,
		"canvasHeight":        event.CanvasHeight,
		"syncRetryIntervalMs": h.roomCfg.SyncRetryInterval.Milliseconds(),
	})
}
