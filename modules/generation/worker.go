package generation

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"forma-3d-server/modules/common/model"
	redisqueue "forma-3d-server/modules/common/redis"
)

// Worker - generation:queue를 소비하는 백그라운드 워커
// BRPOP → Process → 종료 상태까지 폴링, 놓친 레코드는 주기 sweep이 회수
type Worker struct {
	rdb          *redis.Client
	store        Store
	orchestrator *Orchestrator
	reconciler   *Reconciler

	pollInterval    time.Duration
	pollMaxAttempts int
	sweepInterval   time.Duration
	sleep           func(time.Duration) // 테스트에서 교체
}

// NewWorker - Worker 생성
func NewWorker(rdb *redis.Client, store Store, orchestrator *Orchestrator, reconciler *Reconciler, pollInterval time.Duration, pollMaxAttempts int, sweepInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if pollMaxAttempts <= 0 {
		pollMaxAttempts = 120
	}
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	return &Worker{
		rdb:             rdb,
		store:           store,
		orchestrator:    orchestrator,
		reconciler:      reconciler,
		pollInterval:    pollInterval,
		pollMaxAttempts: pollMaxAttempts,
		sweepInterval:   sweepInterval,
		sleep:           time.Sleep,
	}
}

// Start - 큐 소비 루프 (goroutine에서 실행)
func (w *Worker) Start(ctx context.Context) {
	log.Println("🚀 [GenerationWorker] Started, waiting for jobs...")

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 [GenerationWorker] Context cancelled, stopping")
			return
		default:
		}

		result, err := w.rdb.BRPop(ctx, 5*time.Second, redisqueue.GenerationQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("❌ [GenerationWorker] BRPOP error: %v", err)
			w.sleep(time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}
		generationID := result[1]

		log.Printf("🔄 [GenerationWorker] Picked up generation: %s", generationID)
		go w.processGeneration(ctx, generationID)
	}
}

// StartSweep - submitted/polling 상태로 남은 레코드를 주기적으로 대사
// 프로세스 재시작, webhook 유실, 폴링 예산 소진을 전부 여기서 회수한다
func (w *Worker) StartSweep(ctx context.Context) {
	log.Printf("🚀 [GenerationSweep] Started (interval: %s)", w.sweepInterval)
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 [GenerationSweep] Context cancelled, stopping")
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

// sweepOnce - 미종료 레코드 전체를 1회 대사
func (w *Worker) sweepOnce(ctx context.Context) {
	gens, err := w.store.ListByStatus(ctx, model.StatusSubmitted, model.StatusPolling)
	if err != nil {
		log.Printf("❌ [GenerationSweep] List failed: %v", err)
		return
	}
	if len(gens) == 0 {
		return
	}

	log.Printf("🔍 [GenerationSweep] Reconciling %d in-flight generations", len(gens))
	for i := range gens {
		if ctx.Err() != nil {
			return
		}
		if err := w.reconciler.Reconcile(ctx, &gens[i]); err != nil {
			log.Printf("⚠️  [GenerationSweep] Reconcile failed for %s: %v", gens[i].GenerationID, err)
		}
	}
}

// processGeneration - 큐에서 꺼낸 레코드 1건을 끝까지 처리
func (w *Worker) processGeneration(ctx context.Context, generationID string) {
	if err := w.orchestrator.Process(ctx, generationID); err != nil {
		log.Printf("❌ [GenerationWorker] Process failed for %s: %v", generationID, err)
		return
	}
	w.pollUntilTerminal(ctx, generationID)
}

// pollUntilTerminal - 제출된 레코드를 종료 상태까지 폴링
// 예산을 다 쓰면 sweep에 넘기고 빠진다 (레코드는 건드리지 않음)
func (w *Worker) pollUntilTerminal(ctx context.Context, generationID string) {
	for attempt := 1; attempt <= w.pollMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		gen, err := w.store.Get(ctx, generationID)
		if err != nil {
			log.Printf("⚠️  [GenerationWorker] Fetch failed for %s: %v", generationID, err)
			w.sleep(w.pollInterval)
			continue
		}

		if model.IsTerminal(gen.Status()) {
			log.Printf("🏁 [GenerationWorker] Generation %s reached %s", generationID, gen.Status())
			return
		}

		if err := w.reconciler.Reconcile(ctx, gen); err != nil {
			log.Printf("⚠️  [GenerationWorker] Reconcile failed for %s: %v", generationID, err)
		}

		w.sleep(w.pollInterval)
	}

	log.Printf("⚠️  [GenerationWorker] Poll budget exhausted for %s, leaving to sweep", generationID)
}
