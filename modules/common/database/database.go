package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/supabase-community/supabase-go"
	"forma-3d-server/modules/common/config"
	"forma-3d-server/modules/common/model"
)

type Client struct {
	supabase *supabase.Client
}

// NewClient - Database 클라이언트 생성
func NewClient() *Client {
	cfg := config.GetConfig()

	supabaseClient, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, &supabase.ClientOptions{})
	if err != nil {
		log.Printf("❌ Failed to create Supabase client: %v", err)
		return nil
	}

	return &Client{
		supabase: supabaseClient,
	}
}

// legacyAliases - canonical 상태에 대응하는 과거 저장값들 (조회 시 함께 매칭)
var legacyAliases = map[string][]string{
	model.StatusDraft:              {"pending"},
	model.StatusUploadingPhotos:    {"uploaded"},
	model.StatusRemovingBackground: {"bgr_removed"},
	model.StatusSubmitted:          {"job_created"},
	model.StatusPolling:            {"generating_3d_model", "model_generated", "processing"},
	model.StatusCompleted:          {"model_saved"},
	model.StatusFailed:             {"error"},
}

// expandStatuses - canonical 상태 목록을 legacy 별칭 포함 목록으로 확장
func expandStatuses(statuses []string) []string {
	expanded := make([]string, 0, len(statuses)*2)
	for _, s := range statuses {
		expanded = append(expanded, s)
		expanded = append(expanded, legacyAliases[s]...)
	}
	return expanded
}

// Get - generation_id로 Generation 조회
func (c *Client) Get(ctx context.Context, generationID string) (*model.Generation, error) {
	var gens []model.Generation

	data, _, err := c.supabase.From("forma_generation").
		Select("*", "exact", false).
		Eq("generation_id", generationID).
		Execute()

	if err != nil {
		return nil, fmt.Errorf("failed to query forma_generation: %w", err)
	}

	if err := json.Unmarshal(data, &gens); err != nil {
		return nil, fmt.Errorf("failed to parse generation response: %w", err)
	}

	if len(gens) == 0 {
		return nil, model.ErrNotFound
	}

	return &gens[0], nil
}

// GetByPredictionID - provider가 발급한 prediction_id로 조회 (webhook 수신 경로)
func (c *Client) GetByPredictionID(ctx context.Context, predictionID string) (*model.Generation, error) {
	var gens []model.Generation

	data, _, err := c.supabase.From("forma_generation").
		Select("*", "exact", false).
		Eq("prediction_id", predictionID).
		Execute()

	if err != nil {
		return nil, fmt.Errorf("failed to query by prediction_id: %w", err)
	}

	if err := json.Unmarshal(data, &gens); err != nil {
		return nil, fmt.Errorf("failed to parse generation response: %w", err)
	}

	if len(gens) == 0 {
		return nil, model.ErrNotFound
	}

	return &gens[0], nil
}

// ListByStatus - 상태별 Generation 목록 조회 (reconcile sweep용)
func (c *Client) ListByStatus(ctx context.Context, statuses ...string) ([]model.Generation, error) {
	var gens []model.Generation

	data, _, err := c.supabase.From("forma_generation").
		Select("*", "exact", false).
		In("generation_status", expandStatuses(statuses)).
		Execute()

	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}

	if err := json.Unmarshal(data, &gens); err != nil {
		return nil, fmt.Errorf("failed to parse generation list: %w", err)
	}

	return gens, nil
}

// Create - Generation 레코드 생성
func (c *Client) Create(ctx context.Context, gen *model.Generation) error {
	log.Printf("💾 Creating generation record: %s (member: %s)", gen.GenerationID, gen.MemberID)

	insertData := map[string]interface{}{
		"generation_id":      gen.GenerationID,
		"member_id":          gen.MemberID,
		"generation_status":  gen.GenerationStatus,
		"photo_urls":         gen.PhotoURLs,
		"processed_urls":     gen.ProcessedURLs,
		"photo_payload":      gen.PhotoPayload,
		"provider_name":      gen.ProviderName,
		"generation_options": gen.Options,
	}

	_, _, err := c.supabase.From("forma_generation").
		Insert(insertData, false, "", "", "").
		Execute()

	if err != nil {
		return fmt.Errorf("failed to insert generation: %w", err)
	}

	log.Printf("✅ Generation record created: %s", gen.GenerationID)
	return nil
}

// withTimestamp - 호출자 맵을 건드리지 않도록 updated_at을 더한 사본을 만든다
func withTimestamp(fields map[string]interface{}) map[string]interface{} {
	payload := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["updated_at"] = "now()"
	return payload
}

// Update - Generation 부분 업데이트 (updated_at 자동 갱신)
func (c *Client) Update(ctx context.Context, generationID string, fields map[string]interface{}) error {
	_, _, err := c.supabase.From("forma_generation").
		Update(withTimestamp(fields), "", "").
		Eq("generation_id", generationID).
		Execute()

	if err != nil {
		return fmt.Errorf("failed to update generation %s: %w", generationID, err)
	}

	return nil
}

// UpdateIfStatusIn - 현재 상태가 allowed 중 하나일 때만 업데이트 (조건부 전이)
// 종료 상태로의 전이를 한 번만 일어나게 만드는 가드. 업데이트된 행이 있으면 true
func (c *Client) UpdateIfStatusIn(ctx context.Context, generationID string, fields map[string]interface{}, allowed ...string) (bool, error) {
	_, count, err := c.supabase.From("forma_generation").
		Update(withTimestamp(fields), "minimal", "exact").
		Eq("generation_id", generationID).
		In("generation_status", expandStatuses(allowed)).
		Execute()

	if err != nil {
		return false, fmt.Errorf("failed conditional update for %s: %w", generationID, err)
	}

	return count > 0, nil
}
