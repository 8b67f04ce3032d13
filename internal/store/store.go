// Package store is the narrow bridge between the realtime core and the
// durable document store. All operations are assumed eventually consistent;
// the live broadcast path, not this bridge, is the source of realtime truth.
package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whiteboard-backend/internal/model"
)

// Membership durable board ownership and member set for a room
type Membership struct {
	BoardID int64
	OwnerID int64
	Members []int64
}

// Allows reports whether the user is the owner or an active member.
// nil Membership means an ephemeral room without a board record.
func (m *Membership) Allows(userID int64) bool {
	if m == nil {
		return true
	}
	if m.OwnerID == userID {
		return true
	}
	for _, id := range m.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// Store gorm 기반 Persistence Bridge 구현
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// LoadMembership returns the durable membership for a room, or nil when the
// room has no board record (preview/ephemeral boards are legitimate).
func (s *Store) LoadMembership(roomID string) (*Membership, error) {
	var board model.Board
	err := s.db.Select("id", "owner_id").Where("code = ?", roomID).First(&board).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var members []model.BoardMember
	if err := s.db.Select("user_id").
		Where("board_id = ? AND status = ?", board.ID, model.MemberStatusActive).
		Find(&members).Error; err != nil {
		return nil, err
	}

	m := &Membership{BoardID: board.ID, OwnerID: board.OwnerID}
	for _, bm := range members {
		m.Members = append(m.Members, bm.UserID)
	}
	return m, nil
}

// UpsertActiveSession 라이브 세션 레코드 생성/갱신 (conn_id 기준)
func (s *Store) UpsertActiveSession(roomID, connID string, userID int64, userName string) error {
	session := model.ActiveSession{
		RoomID:       roomID,
		ConnID:       connID,
		UserID:       userID,
		UserName:     userName,
		LastActivity: time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conn_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"room_id", "user_id", "user_name", "last_activity"}),
	}).Create(&session).Error
}

// TouchActiveSession 활동 타임스탬프 갱신 (best-effort)
func (s *Store) TouchActiveSession(connID string) error {
	return s.db.Model(&model.ActiveSession{}).
		Where("conn_id = ?", connID).
		Update("last_activity", time.Now()).Error
}

// RemoveActiveSession 세션 레코드 제거
func (s *Store) RemoveActiveSession(connID string) error {
	return s.db.Where("conn_id = ?", connID).Delete(&model.ActiveSession{}).Error
}

// RemoveStaleActiveSessions deletes durable session records whose last
// activity predates the threshold and returns the affected room ids. Used by
// the presence sweep to recover from ungraceful disconnects.
func (s *Store) RemoveStaleActiveSessions(threshold time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-threshold)

	var roomIDs []string
	if err := s.db.Model(&model.ActiveSession{}).
		Distinct("room_id").
		Where("last_activity < ?", cutoff).
		Pluck("room_id", &roomIDs).Error; err != nil {
		return nil, err
	}
	if len(roomIDs) == 0 {
		return nil, nil
	}

	if err := s.db.Where("last_activity < ?", cutoff).Delete(&model.ActiveSession{}).Error; err != nil {
		return nil, err
	}
	return roomIDs, nil
}

// LoadBoardSnapshot returns the durable snapshot for a room, or nil when no
// save has happened yet (a blank board, not an error).
func (s *Store) LoadBoardSnapshot(roomID string) (*model.BoardSnapshot, error) {
	var snap model.BoardSnapshot
	err := s.db.Where("room_id = ?", roomID).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveBoardSnapshot writes the snapshot atomically as a whole row.
func (s *Store) SaveBoardSnapshot(snap *model.BoardSnapshot) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"img", "x", "y", "width", "height", "saved_by", "updated_at"}),
	}).Create(snap).Error
}

// SaveChatMessage 채팅 메시지 영속화
func (s *Store) SaveChatMessage(chat *model.ChatLog) error {
	return s.db.Create(chat).Error
}

// RecentChatMessages returns the latest messages for a room, oldest first.
func (s *Store) RecentChatMessages(roomID string, limit int) ([]model.ChatLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []model.ChatLog
	if err := s.db.Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, err
	}
	// DESC로 뽑았으니 뒤집어서 반환
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// GetOrCreateGoogleUser finds the user by Google subject id, creating or
// refreshing the profile row on login.
func (s *Store) GetOrCreateGoogleUser(googleID, email, nickname, profileImg string) (*model.User, error) {
	var user model.User
	err := s.db.Where("google_id = ?", googleID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = model.User{
			GoogleID:   googleID,
			Email:      email,
			Nickname:   nickname,
			ProfileImg: profileImg,
		}
		if err := s.db.Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if nickname != "" && nickname != user.Nickname {
		updates["nickname"] = nickname
	}
	if profileImg != "" && profileImg != user.ProfileImg {
		updates["profile_img"] = profileImg
	}
	if len(updates) > 0 {
		if err := s.db.Model(&user).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &user, nil
}

// GetUser 사용자 조회
func (s *Store) GetUser(userID int64) (*model.User, error) {
	var user model.User
	if err := s.db.First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
