package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forma-3d-server/modules/provider"
)

type recordingReconciler struct {
	ids      []string
	statuses []*provider.JobStatus
	err      error
}

func (r *recordingReconciler) ReconcileWithStatus(ctx context.Context, predictionID string, status *provider.JobStatus) error {
	r.ids = append(r.ids, predictionID)
	r.statuses = append(r.statuses, status)
	return r.err
}

type staticVerifier struct {
	err error
}

func (v *staticVerifier) VerifyWebhookSignature(webhookID, timestamp, signatureHeader string, body []byte) error {
	return v.err
}

func signedRequest(t *testing.T, secret string, body []byte) *http.Request {
	t.Helper()

	webhookID := "msg_test"
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	key, err := base64.StdEncoding.DecodeString(secret[len("whsec_"):])
	require.NoError(t, err)

	h := hmac.New(sha256.New, key)
	h.Write([]byte(fmt.Sprintf("%s.%s.%s", webhookID, timestamp, string(body))))
	signature := "v1," + base64.StdEncoding.EncodeToString(h.Sum(nil))

	req := httptest.NewRequest("POST", "/api/webhooks/trellis", bytes.NewReader(body))
	req.Header.Set("webhook-id", webhookID)
	req.Header.Set("webhook-timestamp", timestamp)
	req.Header.Set("webhook-signature", signature)
	return req
}

func TestHandleTrellisReconcilesOnValidSignature(t *testing.T) {
	rec := &recordingReconciler{}
	h := NewHandler(&staticVerifier{}, rec)

	body := []byte(`{"id":"pred-1","status":"succeeded","output":{"model_file":"https://replicate.test/out.glb"}}`)
	req := signedRequest(t, "whsec_"+base64.StdEncoding.EncodeToString([]byte("secret")), body)

	w := httptest.NewRecorder()
	h.HandleTrellis(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"pred-1"}, rec.ids)

	// 페이로드가 그대로 매핑돼 넘어와야 한다 - provider 재조회 없음
	require.Len(t, rec.statuses, 1)
	assert.Equal(t, provider.StateSucceeded, rec.statuses[0].State)
	assert.Equal(t, "https://replicate.test/out.glb", rec.statuses[0].ModelURL)
}

func TestHandleTrellisRejectsBadSignature(t *testing.T) {
	rec := &recordingReconciler{}
	h := NewHandler(&staticVerifier{err: fmt.Errorf("signature mismatch")}, rec)

	body := []byte(`{"id":"pred-1","status":"succeeded"}`)
	req := httptest.NewRequest("POST", "/api/webhooks/trellis", bytes.NewReader(body))

	w := httptest.NewRecorder()
	h.HandleTrellis(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, rec.ids)
}

func TestHandleTrellisRejectsMissingPredictionID(t *testing.T) {
	rec := &recordingReconciler{}
	h := NewHandler(&staticVerifier{}, rec)

	body := []byte(`{"status":"succeeded"}`)
	req := httptest.NewRequest("POST", "/api/webhooks/trellis", bytes.NewReader(body))

	w := httptest.NewRecorder()
	h.HandleTrellis(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, rec.ids)
}

func TestHandleTrellisReturnsOKWhenReconcileFails(t *testing.T) {
	// provider 재전송 폭주를 막기 위해 reconcile 실패도 200으로 응답
	rec := &recordingReconciler{err: fmt.Errorf("db down")}
	h := NewHandler(&staticVerifier{}, rec)

	body := []byte(`{"id":"pred-1","status":"succeeded"}`)
	req := httptest.NewRequest("POST", "/api/webhooks/trellis", bytes.NewReader(body))

	w := httptest.NewRecorder()
	h.HandleTrellis(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"pred-1"}, rec.ids)
}
