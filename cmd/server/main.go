package main

import (
	"log"

	"github.com/google/uuid"

	"whiteboard-backend/internal/cache"
	"whiteboard-backend/internal/config"
	"whiteboard-backend/internal/database"
	"whiteboard-backend/internal/metrics"
	"whiteboard-backend/internal/presence"
	"whiteboard-backend/internal/registry"
	"whiteboard-backend/internal/server"
	"whiteboard-backend/internal/store"
)

func main() {
	// 설정 로드
	cfg := config.Load()

	// 데이터베이스 연결
	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer database.Close()

	// Ping 테스트
	if err := database.Ping(); err != nil {
		log.Fatalf("❌ Database ping failed: %v", err)
	}
	log.Printf("✅ Database connected successfully")

	// Redis 연결 (선택적 - 채팅 캐시 + 프레즌스 하트비트)
	var redisClient *cache.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("⚠️ Redis connection failed: %v (chat cache disabled)", err)
			redisClient = nil
		} else {
			log.Printf("✅ Redis connected (%s)", cfg.Redis.Addr)
			defer redisClient.Close()
		}
	} else {
		log.Println("ℹ️ Redis not configured (chat cache disabled)")
	}

	// 영속화 작업 큐
	tasks := store.NewTaskQueue(256, 2)
	defer tasks.Close()

	st := store.New(db)

	// 룸 레지스트리
	reg := registry.New(cfg.Room.CacheWarnThreshold)
	reg.OnCacheWarning = func(roomID string, size int) {
		metrics.CacheWarnings.Inc()
		log.Printf("⚠️ [Registry] Room %s cache reached %d operations without a save", roomID, size)
	}

	// 프레즌스 매니저
	serverID := uuid.New().String()
	heartbeat := presence.NewHeartbeat(redisClient, serverID)
	presenceMgr := presence.NewManager(reg, st, tasks, heartbeat,
		cfg.Presence.StaleThreshold, cfg.Presence.SweepInterval)
	go presenceMgr.Run()
	defer presenceMgr.Stop()

	// Prometheus 메트릭 (별도 리스너)
	if cfg.Metrics.Enabled {
		go metrics.Serve(cfg.Metrics.Addr)
		log.Printf("📊 Metrics endpoint: http://localhost%s/metrics", cfg.Metrics.Addr)
	}

	// 서버 생성 및 설정
	srv := server.New(cfg, server.Deps{
		DB:        db,
		Store:     st,
		Registry:  reg,
		Presence:  presenceMgr,
		Tasks:     tasks,
		ChatCache: redisClient,
	})
	srv.SetupMiddleware()
	srv.SetupRoutes()

	// 서버 시작
	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
