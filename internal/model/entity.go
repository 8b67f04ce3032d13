package model

import (
	"time"
)

// User 구글 로그인으로 생성되는 사용자
type User struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GoogleID   string    `gorm:"uniqueIndex;not null" json:"-"`
	Email      string    `gorm:"uniqueIndex;not null" json:"email"`
	Nickname   string    `gorm:"not null" json:"nickname"`
	ProfileImg string    `json:"profile_img,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// Board 영속화된 화이트보드 문서. Code가 룸 식별자로 쓰인다.
// 프리뷰/임시 보드는 Board 레코드 없이 임의 문자열 룸으로 동작한다.
type Board struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Code      string    `gorm:"uniqueIndex;not null" json:"code"`
	OwnerID   int64     `gorm:"not null;index" json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Owner User `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
}

func (Board) TableName() string {
	return "boards"
}

// BoardMember 보드 멤버십
type BoardMember struct {
	ID        int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	BoardID   int64        `gorm:"not null;uniqueIndex:idx_board_user" json:"board_id"`
	UserID    int64        `gorm:"not null;uniqueIndex:idx_board_user" json:"user_id"`
	Role      MemberRole   `gorm:"type:varchar(20);default:'MEMBER'" json:"role"`
	Status    MemberStatus `gorm:"type:varchar(20);default:'ACTIVE'" json:"status"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`

	Board Board `gorm:"foreignKey:BoardID" json:"board,omitempty"`
	User  User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (BoardMember) TableName() string {
	return "board_members"
}

// ActiveSession 룸에 연결된 라이브 세션의 영속 투영.
// (room_id, conn_id)가 키이며, 정리 스윕이 last_activity 기준으로
// 비정상 종료된 세션을 회수한다.
type ActiveSession struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID       string    `gorm:"not null;index" json:"room_id"`
	ConnID       string    `gorm:"uniqueIndex;not null" json:"conn_id"`
	UserID       int64     `gorm:"not null" json:"user_id"`
	UserName     string    `json:"user_name"`
	JoinedAt     time.Time `gorm:"autoCreateTime" json:"joined_at"`
	LastActivity time.Time `gorm:"index" json:"last_activity"`
}

func (ActiveSession) TableName() string {
	return "active_sessions"
}

// BoardSnapshot 보드의 내구 저장 래스터 스냅샷. 전체 행 단위로만
// 읽고 쓴다 (부분 갱신 없음).
type BoardSnapshot struct {
	ID      int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID  string  `gorm:"uniqueIndex;not null" json:"room_id"`
	Img     string  `gorm:"type:text;not null" json:"img"` // data URL
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	SavedBy int64   `json:"saved_by"`

	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BoardSnapshot) TableName() string {
	return "board_snapshots"
}

// ChatLog 채팅 메시지. 드로잉 오퍼레이션과 달리 영속화된다.
type ChatLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID    string    `gorm:"not null;index:idx_chat_room_created" json:"room_id"`
	UserID    int64     `gorm:"not null" json:"user_id"`
	UserName  string    `json:"user_name"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_chat_room_created" json:"created_at"`
}

func (ChatLog) TableName() string {
	return "chat_logs"
}
