package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 메시지 타입 상수
const (
	TypeJoin  = "join"
	TypeLeave = "leave"

	TypeDraw           = "draw"
	TypeErase          = "erase"
	TypeShape          = "shape"
	TypeText           = "text"
	TypeTextTyping     = "text-typing"
	TypeTextFinalized  = "text-finalized"
	TypeFill           = "fill"
	TypeSelectionCut   = "selection-cut"
	TypePasteSelection = "paste-selection"
	TypeChat           = "chat"

	TypeBoardCleared = "board-cleared"
	TypeBoardSaved   = "board-saved"

	TypeRequestSync  = "board:request-sync"
	TypeLoadSnapshot = "board:load-snapshot"

	TypeCanvasState = "canvas-state"
	TypeRoomInfo    = "room-info"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeError       = "error"
)

// 논리 캔버스 좌표계. 모든 좌표는 이 가상 크기 기준으로 정규화되어
// 전송되며, 디바이스 픽셀 변환은 클라이언트 렌더링 책임이다.
const (
	CanvasWidth  = 1920
	CanvasHeight = 1080
)

var (
	ErrUnknownType = errors.New("unknown operation type")
	ErrMissingRoom = errors.New("missing roomId")
)

// Point 논리 좌표계의 한 점
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bounds 스냅샷 이미지의 논리 좌표계 경계
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Operation 클라이언트가 발행하는 단일 원자 동작. 타입별로 필요한
// 필드만 채워지며 나머지는 생략된다.
type Operation struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`

	// draw / erase / shape
	Tool        string  `json:"tool,omitempty"`
	From        *Point  `json:"from,omitempty"`
	To          *Point  `json:"to,omitempty"`
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`

	// text / fill / selection
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
	Text   string   `json:"text,omitempty"`

	// selection-cut / paste-selection
	SelectionType string          `json:"selectionType,omitempty"`
	Path          json.RawMessage `json:"path,omitempty"`
	DataURL       string          `json:"dataURL,omitempty"`

	// chat
	Message string `json:"message,omitempty"`

	// board:load-snapshot
	Img    string  `json:"img,omitempty"`
	Bounds *Bounds `json:"bounds,omitempty"`
	// Target 스냅샷 응답을 받을 요청자의 연결 ID. 서버가 라우팅에 사용한다.
	Target string `json:"target,omitempty"`
}

// Decode parses a raw websocket frame into an Operation and validates it.
// 잘못된 프레임은 에러로 보고되고 호출자가 버린다. 절대 연결을 끊지 않는다.
func Decode(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &op, nil
}

// Validate 타입별 필수 필드 검증
func (op *Operation) Validate() error {
	if op.RoomID == "" {
		return ErrMissingRoom
	}

	switch op.Type {
	case TypeJoin, TypeLeave, TypeBoardCleared, TypeBoardSaved, TypeRequestSync:
		return nil

	case TypeDraw, TypeErase, TypeShape:
		if op.From == nil || op.To == nil {
			return fmt.Errorf("%s: missing from/to", op.Type)
		}
		if op.Color == "" {
			return fmt.Errorf("%s: missing color", op.Type)
		}
		if op.StrokeWidth <= 0 {
			return fmt.Errorf("%s: invalid strokeWidth", op.Type)
		}
		if op.Type != TypeErase && op.Tool == "" {
			return fmt.Errorf("%s: missing tool", op.Type)
		}
		return nil

	case TypeText, TypeTextTyping, TypeTextFinalized:
		if op.X == nil || op.Y == nil {
			return fmt.Errorf("%s: missing x/y", op.Type)
		}
		// text-typing은 실시간 미리보기라 빈 문자열 허용
		if op.Type == TypeText && op.Text == "" {
			return fmt.Errorf("%s: missing text", op.Type)
		}
		return nil

	case TypeFill:
		if op.X == nil || op.Y == nil {
			return fmt.Errorf("%s: missing x/y", op.Type)
		}
		if op.Color == "" {
			return fmt.Errorf("%s: missing color", op.Type)
		}
		return nil

	case TypeSelectionCut, TypePasteSelection:
		if op.X == nil || op.Y == nil || op.Width == nil || op.Height == nil {
			return fmt.Errorf("%s: missing bounds", op.Type)
		}
		return nil

	case TypeChat:
		if op.Message == "" {
			return fmt.Errorf("%s: missing message", op.Type)
		}
		return nil

	case TypeLoadSnapshot:
		if op.Img == "" {
			return fmt.Errorf("%s: missing img", op.Type)
		}
		return nil
	}

	return ErrUnknownType
}

// Cacheable reports whether the operation belongs in the room's replay cache.
// 동기화/프레즌스 제어 메시지는 캐시 대상이 아니다.
func (op *Operation) Cacheable() bool {
	switch op.Type {
	case TypeDraw, TypeErase, TypeShape,
		TypeText, TypeTextTyping, TypeTextFinalized,
		TypeFill, TypeSelectionCut, TypePasteSelection, TypeChat:
		return true
	}
	return false
}

// CanvasState 입장 직후 전달되는 리플레이 배치. 수신자는 포함된
// 오퍼레이션을 순서대로 정확히 한 번씩 적용한다.
type CanvasState struct {
	Type       string      `json:"type"`
	RoomID     string      `json:"roomId"`
	Operations []Operation `json:"operations"`
}

// RoomInfo 방 인원 브로드캐스트
type RoomInfo struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	UserCount int    `json:"userCount"`
}

// Presence user-joined / user-left 이벤트
type Presence struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	SocketID string `json:"socketId"`
}

// ErrorEvent 호출자에게만 전달되는 비치명적 프로토콜 에러
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewCanvasState(roomID string, ops []Operation) *CanvasState {
	return &CanvasState{Type: TypeCanvasState, RoomID: roomID, Operations: ops}
}

func NewRoomInfo(roomID string, count int) *RoomInfo {
	return &RoomInfo{Type: TypeRoomInfo, RoomID: roomID, UserCount: count}
}

func NewPresence(typ string, userID int64, userName, socketID string) *Presence {
	return &Presence{Type: typ, UserID: userID, UserName: userName, SocketID: socketID}
}

func NewError(message string) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, Message: message}
}
