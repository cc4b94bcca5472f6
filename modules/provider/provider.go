package provider

import (
	"context"

	"forma-3d-server/modules/common/model"
)

// State - provider 쪽 작업 상태 (모든 provider 공통 어휘)
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// JobStatus - provider가 보고하는 상태 한 건
// 폴링 응답과 webhook 페이로드 모두 이 모양으로 수렴시킨다
type JobStatus struct {
	State    State  `json:"state"`
	ModelURL string `json:"model_url,omitempty"` // succeeded일 때만
	Detail   string `json:"detail,omitempty"`    // failed일 때 사람이 읽을 사유
}

// IsTerminal - 종료 상태 여부
func (s *JobStatus) IsTerminal() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

// SubmitInput - 제출할 이미지 집합
// front는 배경 제거된 URL, 나머지 뷰는 원본 URL 그대로
type SubmitInput struct {
	FrontURL   string
	OtherViews map[string]string // view name → raw URL
}

// Client - 외부 3D 생성 provider 추상화
// 제출은 항상 외부 job id를 즉시 돌려주고, 완료는 Reconciler가 나중에 관찰한다
type Client interface {
	Name() string
	Submit(ctx context.Context, input SubmitInput, opts model.GenerationOptions) (string, error)
	GetStatus(ctx context.Context, jobID string) (*JobStatus, error)
}
