package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"forma-3d-server/modules/common/credit"
	"forma-3d-server/modules/common/model"
	"forma-3d-server/modules/provider"
)

// fakeStore - 인메모리 Store
type fakeStore struct {
	mu        sync.Mutex
	gens      map[string]*model.Generation
	createErr error
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{gens: map[string]*model.Generation{}}
}

func (s *fakeStore) Get(ctx context.Context, generationID string) (*model.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.gens[generationID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *gen
	return &cp, nil
}

func (s *fakeStore) GetByPredictionID(ctx context.Context, predictionID string) (*model.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gen := range s.gens {
		if gen.PredictionID != nil && *gen.PredictionID == predictionID {
			cp := *gen
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *fakeStore) ListByStatus(ctx context.Context, statuses ...string) ([]model.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Generation
	for _, gen := range s.gens {
		for _, status := range statuses {
			if gen.Status() == status {
				out = append(out, *gen)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) Create(ctx context.Context, gen *model.Generation) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *gen
	s.gens[gen.GenerationID] = &cp
	return nil
}

func (s *fakeStore) Update(ctx context.Context, generationID string, fields map[string]interface{}) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.gens[generationID]
	if !ok {
		return model.ErrNotFound
	}
	applyFields(gen, fields)
	return nil
}

func (s *fakeStore) UpdateIfStatusIn(ctx context.Context, generationID string, fields map[string]interface{}, allowed ...string) (bool, error) {
	if s.updateErr != nil {
		return false, s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.gens[generationID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, status := range allowed {
		if gen.Status() == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	applyFields(gen, fields)
	return true, nil
}

func (s *fakeStore) status(generationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen, ok := s.gens[generationID]; ok {
		return gen.Status()
	}
	return ""
}

func applyFields(gen *model.Generation, fields map[string]interface{}) {
	for key, value := range fields {
		switch key {
		case "generation_status":
			gen.GenerationStatus = value.(string)
		case "photo_urls":
			gen.PhotoURLs = value.(map[string]string)
		case "processed_urls":
			gen.ProcessedURLs = value.(map[string]string)
		case "photo_payload":
			if value == nil {
				gen.PhotoPayload = nil
			} else {
				gen.PhotoPayload = value.(map[string]string)
			}
		case "prediction_id":
			if value == nil {
				gen.PredictionID = nil
			} else {
				id := value.(string)
				gen.PredictionID = &id
			}
		case "model_url":
			url := value.(string)
			gen.ModelURL = &url
		case "error_reason":
			if value == nil {
				gen.ErrorReason = nil
			} else {
				reason := value.(string)
				gen.ErrorReason = &reason
			}
		}
	}
}

// fakeLedger - 인메모리 크레딧 원장
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int
	reserves map[string]int // generation id → 예약 횟수
	refunds  map[string]int // generation id → 환불 횟수
	bumped   int
}

func newFakeLedger(balance int) *fakeLedger {
	return &fakeLedger{
		balances: map[string]int{"member-1": balance},
		reserves: map[string]int{},
		refunds:  map[string]int{},
	}
}

func (l *fakeLedger) GetOrCreate(ctx context.Context, memberID string) (*model.CreditAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[memberID]; !ok {
		l.balances[memberID] = 3
	}
	return &model.CreditAccount{MemberID: memberID, MemberCredit: l.balances[memberID]}, nil
}

func (l *fakeLedger) Reserve(ctx context.Context, memberID string, generationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[memberID] < 1 {
		return credit.ErrInsufficientCredits
	}
	l.balances[memberID]--
	l.reserves[generationID]++
	return nil
}

func (l *fakeLedger) Refund(ctx context.Context, memberID string, generationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[memberID]++
	l.refunds[generationID]++
	return nil
}

func (l *fakeLedger) IncrementGenerated(ctx context.Context, memberID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bumped++
	return nil
}

func (l *fakeLedger) balance(memberID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[memberID]
}

func (l *fakeLedger) refundCount(generationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refunds[generationID]
}

// fakeStorage - 인메모리 ObjectStorage
type fakeStorage struct {
	mu           sync.Mutex
	objects      map[string][]byte // path → data
	downloads    map[string][]byte // url → data
	rawErr       error
	processedErr error
	modelErr     error
	downloadErr  error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		objects:   map[string][]byte{},
		downloads: map[string][]byte{},
	}
}

func (s *fakeStorage) UploadRaw(ctx context.Context, data []byte, contentType string, path string) (string, error) {
	if s.rawErr != nil {
		return "", s.rawErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	return "https://cdn.test/" + path, nil
}

func (s *fakeStorage) UploadProcessed(ctx context.Context, pngData []byte, path string) (string, error) {
	if s.processedErr != nil {
		return "", s.processedErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = pngData
	return "https://cdn.test/" + path, nil
}

func (s *fakeStorage) UploadModel(ctx context.Context, data []byte, path string) (string, error) {
	if s.modelErr != nil {
		return "", s.modelErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	return "https://cdn.test/" + path, nil
}

func (s *fakeStorage) Download(ctx context.Context, url string) ([]byte, error) {
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.downloads[url]; ok {
		return data, nil
	}
	return []byte("artifact-bytes"), nil
}

func (s *fakeStorage) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// fakeRemover - 배경 제거 스텁
type fakeRemover struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	calls int
}

func (r *fakeRemover) RemoveBackground(ctx context.Context, imageData []byte) ([]byte, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.calls++
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return append([]byte("cutout:"), imageData...), nil
}

func (r *fakeRemover) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeProvider - 3D provider 스텁
type fakeProvider struct {
	mu          sync.Mutex
	submitErr   error
	submitDelay time.Duration
	submits     int
	statuses    []*provider.JobStatus // GetStatus가 순서대로 반환
	statusErrs  []error
	statusCalls int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Submit(ctx context.Context, input provider.SubmitInput, opts model.GenerationOptions) (string, error) {
	if p.submitDelay > 0 {
		time.Sleep(p.submitDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return "", p.submitErr
	}
	p.submits++
	return fmt.Sprintf("pred-%d", p.submits), nil
}

func (p *fakeProvider) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

func (p *fakeProvider) GetStatus(ctx context.Context, jobID string) (*provider.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.statusCalls
	p.statusCalls++
	if idx < len(p.statusErrs) && p.statusErrs[idx] != nil {
		return nil, p.statusErrs[idx]
	}
	if idx < len(p.statuses) {
		return p.statuses[idx], nil
	}
	if len(p.statuses) > 0 {
		return p.statuses[len(p.statuses)-1], nil
	}
	return &provider.JobStatus{State: provider.StateProcessing}, nil
}

// fakeNotifier - 이벤트 기록
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Publish(generationID, status, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, status)
}

// fakeEnqueuer - 큐 기록
type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, generationID string) error {
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, generationID)
	return nil
}
