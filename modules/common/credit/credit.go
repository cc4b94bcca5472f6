package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/supabase-community/supabase-go"
	"forma-3d-server/modules/common/config"
	"forma-3d-server/modules/common/model"
)

// ErrInsufficientCredits - 잔액 부족 (예약 거부, 부수효과 없음)
var ErrInsufficientCredits = errors.New("insufficient credits")

type Client struct {
	supabase   *supabase.Client
	httpClient *http.Client
}

// NewClient - Credit 클라이언트 생성
func NewClient() *Client {
	cfg := config.GetConfig()

	supabaseClient, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, &supabase.ClientOptions{})
	if err != nil {
		log.Printf("❌ Failed to create Supabase client: %v", err)
		return nil
	}

	return &Client{
		supabase: supabaseClient,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetOrCreate - 멤버 크레딧 계정 조회, 없으면 기본 잔액으로 생성
// 동시 최초 접근 시 insert가 duplicate key로 실패할 수 있으므로 재조회로 수습
func (c *Client) GetOrCreate(ctx context.Context, memberID string) (*model.CreditAccount, error) {
	account, err := c.fetch(memberID)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	cfg := config.GetConfig()
	log.Printf("💳 Creating credit account for member %s (initial: %d)", memberID, cfg.DefaultMemberCredit)

	insertData := map[string]interface{}{
		"member_id":       memberID,
		"member_credit":   cfg.DefaultMemberCredit,
		"total_generated": 0,
	}

	_, _, insertErr := c.supabase.From("forma_member").
		Insert(insertData, false, "", "", "").
		Execute()

	if insertErr != nil {
		// 다른 요청이 먼저 만들었을 수 있음 - 재조회
		log.Printf("⚠️  Credit account insert conflict for %s, refetching: %v", memberID, insertErr)
	}

	account, err = c.fetch(memberID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("credit account not found after insert: %s", memberID)
	}
	return account, nil
}

// fetch - forma_member에서 계정 조회 (없으면 nil)
func (c *Client) fetch(memberID string) (*model.CreditAccount, error) {
	var accounts []model.CreditAccount

	data, _, err := c.supabase.From("forma_member").
		Select("member_id, member_credit, total_generated", "", false).
		Eq("member_id", memberID).
		Execute()

	if err != nil {
		return nil, fmt.Errorf("failed to fetch credit account: %w", err)
	}

	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse credit account: %w", err)
	}

	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

// Reserve - 크레딧 1개 예약 (원자적 차감)
// read-then-write 대신 DB 함수 한 번으로 처리해서 동시 예약 경합을 막는다:
//
//	update forma_member set member_credit = member_credit - 1
//	 where member_id = $1 and member_credit >= 1
//	returning member_credit
func (c *Client) Reserve(ctx context.Context, memberID string, generationID string) error {
	newBalance, err := c.callRPC(ctx, "forma_reserve_credit", memberID)
	if err != nil {
		return err
	}
	if newBalance < 0 {
		log.Printf("💸 Reserve rejected for member %s: insufficient credits", memberID)
		return ErrInsufficientCredits
	}

	log.Printf("💰 Credit reserved: member=%s, balance=%d", memberID, newBalance)
	c.recordTransaction(memberID, generationID, "RESERVE", -1, newBalance)
	return nil
}

// Refund - 실패한 예약 환불 (+1)
// Orchestrator/Reconciler의 실패 경로에서만, 예약 1건당 최대 1번 호출된다
func (c *Client) Refund(ctx context.Context, memberID string, generationID string) error {
	newBalance, err := c.callRPC(ctx, "forma_refund_credit", memberID)
	if err != nil {
		return err
	}
	if newBalance < 0 {
		return fmt.Errorf("refund failed: member not found: %s", memberID)
	}

	log.Printf("💰 Credit refunded: member=%s, balance=%d", memberID, newBalance)
	c.recordTransaction(memberID, generationID, "REFUND", 1, newBalance)
	return nil
}

// IncrementGenerated - 생성 성공 카운터 증가 (best-effort, 실패해도 생성은 롤백하지 않음)
func (c *Client) IncrementGenerated(ctx context.Context, memberID string) error {
	account, err := c.fetch(memberID)
	if err != nil || account == nil {
		log.Printf("⚠️  Failed to bump total_generated for %s: %v", memberID, err)
		return nil
	}

	_, _, err = c.supabase.From("forma_member").
		Update(map[string]interface{}{
			"total_generated": account.TotalGenerated + 1,
		}, "", "").
		Eq("member_id", memberID).
		Execute()

	if err != nil {
		log.Printf("⚠️  Failed to update total_generated for %s: %v", memberID, err)
	}
	return nil
}

// callRPC - postgrest RPC 직접 호출
// 대상 함수는 update ... returning 한 건이라 응답이 숫자 하나 또는 null
func (c *Client) callRPC(ctx context.Context, fn string, memberID string) (int, error) {
	cfg := config.GetConfig()

	reqBody, _ := json.Marshal(map[string]string{"p_member_id": memberID})
	rpcURL := fmt.Sprintf("%s/rest/v1/rpc/%s", cfg.SupabaseURL, fn)

	req, err := http.NewRequestWithContext(ctx, "POST", rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return 0, fmt.Errorf("failed to create RPC request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", cfg.SupabaseServiceKey)
	req.Header.Set("Authorization", "Bearer "+cfg.SupabaseServiceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("RPC %s failed: %w", fn, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read RPC response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("RPC %s returned status %d: %s", fn, resp.StatusCode, string(body))
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		// 조건에 맞는 행이 없었음 (잔액 부족 또는 멤버 없음)
		return -1, nil
	}

	var balance int
	if err := json.Unmarshal([]byte(trimmed), &balance); err != nil {
		return 0, fmt.Errorf("unexpected RPC response %q: %w", trimmed, err)
	}
	return balance, nil
}

// recordTransaction - forma_credits 트랜잭션 기록 (best-effort)
func (c *Client) recordTransaction(memberID, generationID, txType string, amount, balanceAfter int) {
	transactionData := map[string]interface{}{
		"member_id":        memberID,
		"generation_id":    generationID,
		"transaction_type": txType,
		"amount":           amount,
		"balance_after":    balanceAfter,
	}

	_, _, err := c.supabase.From("forma_credits").
		Insert(transactionData, false, "", "", "").
		Execute()

	if err != nil {
		log.Printf("⚠️  Failed to record %s transaction for %s: %v", txType, memberID, err)
	}
}
