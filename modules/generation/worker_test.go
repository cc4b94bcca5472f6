package generation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forma-3d-server/modules/common/model"
	redisqueue "forma-3d-server/modules/common/redis"
	"forma-3d-server/modules/provider"
)

func newWorkerUnderTest(prov *fakeProvider, rdb *redis.Client) (*Worker, *fakeStore, *fakeLedger) {
	store := newFakeStore()
	ledger := newFakeLedger(3)
	storage := newFakeStorage()
	remover := &fakeRemover{}
	feed := &fakeNotifier{}

	o := NewOrchestrator(store, ledger, storage, remover, prov, feed)
	r := NewReconciler(store, ledger, storage, prov, feed, 3, time.Millisecond)
	r.sleep = func(time.Duration) {}

	w := NewWorker(rdb, store, o, r, time.Millisecond, 10, time.Minute)
	w.sleep = func(time.Duration) {}
	return w, store, ledger
}

func TestPollUntilTerminalReachesCompleted(t *testing.T) {
	prov := &fakeProvider{statuses: []*provider.JobStatus{
		{State: provider.StateProcessing},
		{State: provider.StateProcessing},
		{State: provider.StateSucceeded, ModelURL: "https://replicate.test/out.glb"},
	}}
	w, store, ledger := newWorkerUnderTest(prov, nil)
	seedSubmitted(store, "gen-1", "pred-1")

	w.pollUntilTerminal(context.Background(), "gen-1")

	assert.Equal(t, model.StatusCompleted, store.status("gen-1"))
	assert.Equal(t, 0, ledger.refundCount("gen-1"))
}

func TestPollUntilTerminalStopsOnFailure(t *testing.T) {
	prov := &fakeProvider{statuses: []*provider.JobStatus{
		{State: provider.StateProcessing},
		{State: provider.StateFailed, Detail: "bad geometry"},
	}}
	w, store, ledger := newWorkerUnderTest(prov, nil)
	seedSubmitted(store, "gen-1", "pred-1")

	w.pollUntilTerminal(context.Background(), "gen-1")

	assert.Equal(t, model.StatusFailed, store.status("gen-1"))
	assert.Equal(t, 1, ledger.refundCount("gen-1"))
}

func TestPollBudgetExhaustedLeavesRecordInFlight(t *testing.T) {
	// provider가 계속 processing만 주면 폴링 예산이 바닥난다
	prov := &fakeProvider{statuses: []*provider.JobStatus{
		{State: provider.StateProcessing},
	}}
	w, store, ledger := newWorkerUnderTest(prov, nil)
	seedSubmitted(store, "gen-1", "pred-1")

	w.pollUntilTerminal(context.Background(), "gen-1")

	// 레코드는 건드리지 않고 sweep에 넘긴다
	assert.Equal(t, model.StatusPolling, store.status("gen-1"))
	assert.Equal(t, 0, ledger.refundCount("gen-1"))
}

func TestSweepOnceReconcilesInFlightRecords(t *testing.T) {
	prov := &fakeProvider{statuses: []*provider.JobStatus{
		{State: provider.StateSucceeded, ModelURL: "https://replicate.test/out.glb"},
		{State: provider.StateSucceeded, ModelURL: "https://replicate.test/out.glb"},
	}}
	w, store, _ := newWorkerUnderTest(prov, nil)
	seedSubmitted(store, "gen-1", "pred-1")
	seedSubmitted(store, "gen-2", "pred-2")
	store.gens["gen-3"] = &model.Generation{
		GenerationID:     "gen-3",
		MemberID:         "member-1",
		GenerationStatus: model.StatusCompleted,
	}

	w.sweepOnce(context.Background())

	assert.Equal(t, model.StatusCompleted, store.status("gen-1"))
	assert.Equal(t, model.StatusCompleted, store.status("gen-2"))
	assert.Equal(t, 2, prov.statusCalls, "terminal records are not re-checked")
}

func TestWorkerConsumesQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	prov := &fakeProvider{statuses: []*provider.JobStatus{
		{State: provider.StateSucceeded, ModelURL: "https://replicate.test/out.glb"},
	}}
	w, store, _ := newWorkerUnderTest(prov, rdb)

	gen, err := w.orchestrator.Start(context.Background(), "member-1", map[string]string{
		model.ViewFront: encodedPhoto("front-bytes"),
	}, model.DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, rdb.LPush(context.Background(), redisqueue.GenerationQueue, gen.GenerationID).Err())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	assert.Eventually(t, func() bool {
		return store.status(gen.GenerationID) == model.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
