package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Fatal("Error loading .env file")
	}

	// Database connection
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_SSLMODE"),
		os.Getenv("DB_TIMEZONE"),
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	fmt.Println("✅ Connected to database")
	fmt.Println()

	// Check if active_sessions table exists
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.tables
			WHERE table_name = 'active_sessions'
		)
	`
	if err := db.Raw(query).Scan(&exists).Error; err != nil {
		log.Fatal("Failed to check active_sessions table:", err)
	}

	fmt.Printf("📊 active_sessions table exists: %v\n", exists)
	fmt.Println()

	if !exists {
		fmt.Println("❌ active_sessions table does NOT exist!")
		fmt.Println("⚠️  Start the server once so AutoMigrate creates the schema")
		return
	}

	// Get session statistics
	type SessionStats struct {
		Total int64
		Rooms int64
		Stale int64
	}
	var stats SessionStats
	query = `
		SELECT
			COUNT(*) as total,
			COUNT(DISTINCT room_id) as rooms,
			COUNT(CASE WHEN last_activity < NOW() - INTERVAL '5 minutes' THEN 1 END) as stale
		FROM active_sessions
	`
	if err := db.Raw(query).Scan(&stats).Error; err != nil {
		log.Fatal("Failed to get statistics:", err)
	}

	fmt.Println("📈 Active Session Statistics:")
	fmt.Printf("  - Total sessions: %d\n", stats.Total)
	fmt.Printf("  - Distinct rooms: %d\n", stats.Rooms)
	fmt.Printf("  - Stale (>5m idle): %d\n", stats.Stale)
	fmt.Println()

	// Get recent sessions
	type SessionInfo struct {
		ID           int64
		RoomID       string
		UserID       int64
		UserName     string
		LastActivity string
	}
	var sessions []SessionInfo
	query = `
		SELECT id, room_id, user_id, user_name, last_activity
		FROM active_sessions
		ORDER BY last_activity DESC
		LIMIT 10
	`
	if err := db.Raw(query).Scan(&sessions).Error; err != nil {
		log.Fatal("Failed to get recent sessions:", err)
	}

	fmt.Println("👥 Recent Sessions (last 10):")
	for _, s := range sessions {
		fmt.Printf("  - ID: %d, Room: %s, User: %d (%s), LastActivity: %s\n",
			s.ID, s.RoomID, s.UserID, s.UserName, s.LastActivity)
	}
	fmt.Println()

	// Snapshot summary
	type SnapshotInfo struct {
		RoomID    string
		SavedBy   int64
		UpdatedAt string
		ImgBytes  int64
	}
	var snaps []SnapshotInfo
	query = `
		SELECT room_id, saved_by, updated_at, LENGTH(img) as img_bytes
		FROM board_snapshots
		ORDER BY updated_at DESC
		LIMIT 10
	`
	if err := db.Raw(query).Scan(&snaps).Error; err != nil {
		log.Fatal("Failed to get snapshots:", err)
	}

	fmt.Println("🖼️  Recent Snapshots (last 10):")
	for _, s := range snaps {
		fmt.Printf("  - Room: %s, SavedBy: %d, Size: %d bytes, UpdatedAt: %s\n",
			s.RoomID, s.SavedBy, s.ImgBytes, s.UpdatedAt)
	}
}
