package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"forma-3d-server/modules/bgremoval"
	"forma-3d-server/modules/common/config"
	"forma-3d-server/modules/common/credit"
	"forma-3d-server/modules/common/database"
	redisconn "forma-3d-server/modules/common/redis"
	"forma-3d-server/modules/common/storage"
	"forma-3d-server/modules/generation"
	"forma-3d-server/modules/provider"
	"forma-3d-server/modules/provider/hunyuan"
	"forma-3d-server/modules/provider/trellis"
	"forma-3d-server/modules/statusfeed"
	"forma-3d-server/modules/webhook"
)

func main() {
	log.Println("🚀 Starting Forma 3D Server...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	ctx := context.Background()

	// 인프라 클라이언트
	rdb := redisconn.Connect(cfg)
	if rdb == nil {
		log.Fatal("❌ Redis connection failed")
	}
	log.Println("✅ Redis connected")

	db := database.NewClient()
	ledger := credit.NewClient()
	objectStorage := storage.NewClient()

	remover := bgremoval.NewService(ctx)
	if remover == nil {
		log.Fatal("❌ Background removal service initialization failed")
	}

	// 3D provider 선택
	var prov provider.Client
	var trellisService *trellis.Service
	switch cfg.ProviderName {
	case "trellis":
		trellisService = trellis.NewService()
		prov = trellisService
	case "hunyuan":
		prov = hunyuan.NewService()
	default:
		log.Fatalf("❌ Unknown provider: %s", cfg.ProviderName)
	}
	log.Printf("✅ 3D provider: %s", prov.Name())

	// 상태 push 허브
	hub := statusfeed.NewHub()

	// 도메인 서비스
	orchestrator := generation.NewOrchestrator(db, ledger, objectStorage, remover, prov, hub)
	reconciler := generation.NewReconciler(db, ledger, objectStorage, prov, hub, cfg.StatusRetryMax, cfg.StatusRetryBase)
	enqueuer := generation.NewRedisEnqueuer(rdb)
	worker := generation.NewWorker(rdb, db, orchestrator, reconciler, cfg.PollInterval, cfg.PollMaxAttempts, cfg.SweepInterval)

	// 라우터
	r := mux.NewRouter()

	generationHandler := generation.NewHandler(orchestrator, db, ledger, enqueuer)
	generationHandler.RegisterRoutes(r)

	if trellisService != nil {
		webhookHandler := webhook.NewHandler(trellisService, reconciler)
		webhookHandler.RegisterRoutes(r)
	}

	r.HandleFunc("/ws/generations", hub.HandleWS).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// 백그라운드 워커
	go worker.Start(ctx)
	go worker.StartSweep(ctx)

	addr := ":" + cfg.Port
	log.Printf("🚀 Server listening on %s", addr)
	if err := http.ListenAndServe(addr, corsMiddleware(r)); err != nil {
		log.Fatalf("❌ Server failed: %v", err)
	}
}

// corsMiddleware - 전역 CORS 헤더 (핸들러 개별 설정의 안전망)
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
