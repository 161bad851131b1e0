package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/reporting-back/internal/config"
	"github.com/iago/reporting-back/internal/registry"
)

type integrationRuntime struct {
	server *httptest.Server
	cancel context.CancelFunc
}

func startIntegrationRuntime(t *testing.T, opts ...Option) integrationRuntime {
	t.Helper()

	server := httptest.NewUnstartedServer(nil)
	cfg := config.Config{
		ServiceName:           "reporting-test",
		ReportsQueue:          "reports",
		QueueMaxAttempts:      1,
		WorkerConcurrency:     2,
		GenerationTimeout:     5 * time.Second,
		DownloadURLTTL:        15 * time.Minute,
		PublicBaseURL:         "http://" + server.Listener.Addr().String(),
		DownloadSigningSecret: "integration-secret",
		AuthzMode:             "requester",
		IdempotencyTTL:        time.Hour,
		RateLimitRPS:          20000,
		RateLimitBurst:        20000,
		DemoGeneratorsEnabled: true,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := New(ctx, cfg, logger, opts...)
	if err != nil {
		cancel()
		t.Fatalf("new runtime: %v", err)
	}
	go rt.Processor.Start(ctx)

	server.Config.Handler = rt.Handler
	server.Start()
	return integrationRuntime{
		server: server,
		cancel: func() {
			cancel()
			server.Close()
			rt.Close()
		},
	}
}

func doJSON(
	t *testing.T,
	client *http.Client,
	method string,
	url string,
	payload any,
	headers map[string]string,
) (int, http.Header, map[string]any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("execute request: %v", err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	if len(raw) == 0 {
		return response.StatusCode, response.Header, map[string]any{}
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode response body (%d): %s", response.StatusCode, string(raw))
	}
	return response.StatusCode, response.Header, decoded
}

func as(requesterID string) map[string]string {
	return map[string]string{"X-Requester-Type": "user", "X-Requester-Id": requesterID}
}

func waitForStatus(
	t *testing.T,
	client *http.Client,
	baseURL string,
	token string,
	headers map[string]string,
	want string,
) (int, map[string]any) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, _, body := doJSON(t, client, http.MethodGet, baseURL+"/v1/reports/"+token, nil, headers)
		if got, _ := body["status"].(string); got == want {
			return status, body
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for report %s to reach %s", token, want)
	return 0, nil
}

func TestSubmitPollDownloadFlow(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	client := runtime.server.Client()
	baseURL := runtime.server.URL

	status, headers, body := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports", map[string]any{
		"kind":   "params_json",
		"params": map[string]any{"month": "2024-01"},
	}, as("u1"))
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%+v", status, body)
	}
	if body["status"] != "queued" || headers.Get("Retry-After") == "" {
		t.Fatalf("unexpected submit response %+v", body)
	}
	token, _ := body["token"].(string)
	if len(token) < 32 {
		t.Fatalf("expected opaque token, got %q", token)
	}

	pollStatus, done := waitForStatus(t, client, baseURL, token, as("u1"), "done")
	if pollStatus != http.StatusOK {
		t.Fatalf("expected 200 for done report, got %d", pollStatus)
	}
	downloadURL, _ := done["download_url"].(string)
	if !strings.HasPrefix(downloadURL, baseURL+"/v1/downloads/") || done["expires_at"] == nil {
		t.Fatalf("unexpected done payload %+v", done)
	}

	response, err := client.Get(downloadURL)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer response.Body.Close()
	artifact, _ := io.ReadAll(response.Body)
	if response.StatusCode != http.StatusOK || !strings.Contains(string(artifact), "2024-01") {
		t.Fatalf("unexpected download %d %s", response.StatusCode, artifact)
	}
	if !strings.Contains(response.Header.Get("Content-Disposition"), "attachment") {
		t.Fatalf("expected attachment disposition, got %q", response.Header.Get("Content-Disposition"))
	}

	tampered := strings.Replace(downloadURL, "signature=", "signature=x", 1)
	tamperedResponse, err := client.Get(tampered)
	if err != nil {
		t.Fatalf("tampered download: %v", err)
	}
	tamperedResponse.Body.Close()
	if tamperedResponse.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for tampered link, got %d", tamperedResponse.StatusCode)
	}

	forbiddenStatus, _, forbidden := doJSON(t, client, http.MethodGet, baseURL+"/v1/reports/"+token, nil, as("u2"))
	if forbiddenStatus != http.StatusForbidden {
		t.Fatalf("expected 403 for another requester, got %d", forbiddenStatus)
	}
	if _, leaked := forbidden["status"]; leaked {
		t.Fatalf("forbidden response must not expose status: %+v", forbidden)
	}

	missingStatus, _, _ := doJSON(t, client, http.MethodGet, baseURL+"/v1/reports/unknown-token", nil, as("u1"))
	if missingStatus != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d", missingStatus)
	}

	listStatus, _, list := doJSON(t, client, http.MethodGet, baseURL+"/v1/reports?status=done", nil, as("u1"))
	items, _ := list["items"].([]any)
	if listStatus != http.StatusOK || len(items) != 1 {
		t.Fatalf("expected one done report for u1, got %d %+v", listStatus, list)
	}
}

func TestSubmitValidationAndAuthentication(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	client := runtime.server.Client()
	baseURL := runtime.server.URL

	status, _, _ := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports", map[string]any{"kind": "params_json"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", status)
	}

	status, _, body := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports", map[string]any{"kind": "sales"}, as("u3"))
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", status)
	}
	if errPayload, _ := body["error"].(map[string]any); errPayload["code"] != "unknown_kind" {
		t.Fatalf("unexpected error payload %+v", body)
	}

	_, _, list := doJSON(t, client, http.MethodGet, baseURL+"/v1/reports", nil, as("u3"))
	if total, _ := list["total"].(float64); total != 0 {
		t.Fatalf("unknown kind must not create a request, got %+v", list)
	}

	status, _, _ = doJSON(t, client, http.MethodPost, baseURL+"/v1/reports", map[string]any{"kind": "params_json", "extra": true}, as("u3"))
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", status)
	}

	status, _, kinds := doJSON(t, client, http.MethodGet, baseURL+"/v1/kinds", nil, as("u3"))
	items, _ := kinds["items"].([]any)
	if status != http.StatusOK || len(items) != 2 {
		t.Fatalf("expected two demo kinds, got %d %+v", status, kinds)
	}

	healthStatus, _, health := doJSON(t, client, http.MethodGet, baseURL+"/readyz", nil, nil)
	if healthStatus != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("unexpected readiness %d %+v", healthStatus, health)
	}
}

func TestIdempotentSubmit(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	client := runtime.server.Client()
	baseURL := runtime.server.URL
	headers := as("u4")
	headers["Idempotency-Key"] = "monthly-2024-01"

	payload := map[string]any{"kind": "params_json", "params": map[string]any{"month": "2024-01"}}
	firstStatus, _, first := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports", payload, headers)
	secondStatus, _, second := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports", payload, headers)
	if firstStatus != http.StatusAccepted || secondStatus != http.StatusAccepted {
		t.Fatalf("expected 202 twice, got %d and %d", firstStatus, secondStatus)
	}
	if first["token"] != second["token"] {
		t.Fatalf("expected same token for replay, got %v and %v", first["token"], second["token"])
	}

	payload["params"] = map[string]any{"month": "2024-02"}
	conflictStatus, _, _ := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports", payload, headers)
	if conflictStatus != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", conflictStatus)
	}

	otherCaller := as("u5")
	otherCaller["Idempotency-Key"] = "monthly-2024-01"
	otherStatus, _, other := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports", payload, otherCaller)
	if otherStatus != http.StatusAccepted || other["token"] == first["token"] {
		t.Fatalf("keys must be scoped per requester, got %d %+v", otherStatus, other)
	}
}

func TestFailedReportCanBeRetried(t *testing.T) {
	var calls atomic.Int32
	flaky := registry.GeneratorFunc(func(ctx context.Context, params map[string]any, meta registry.Meta) (registry.Output, error) {
		if calls.Add(1) == 1 {
			return registry.Output{}, errors.New("DB timeout")
		}
		return registry.Output{
			Body:        strings.NewReader(fmt.Sprintf("ok %s", meta.RequestID)),
			Filename:    "sales.csv",
			ContentType: "text/csv",
		}, nil
	})

	runtime := startIntegrationRuntime(t, WithGenerators(func(reg *registry.Registry) error {
		return reg.Register("sales", flaky, registry.WithDescription("monthly sales"))
	}))
	defer runtime.cancel()

	client := runtime.server.Client()
	baseURL := runtime.server.URL

	status, _, body := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports", map[string]any{
		"kind":   "sales",
		"params": map[string]any{"month": "2024-01"},
	}, as("u6"))
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %+v", status, body)
	}
	token, _ := body["token"].(string)

	failedStatus, failed := waitForStatus(t, client, baseURL, token, as("u6"), "failed")
	if failedStatus != http.StatusUnprocessableEntity || failed["error"] != "DB timeout" {
		t.Fatalf("unexpected failed poll %d %+v", failedStatus, failed)
	}

	retryStatus, _, retried := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports/"+token+"/retry", nil, as("u6"))
	if retryStatus != http.StatusAccepted || retried["token"] != token {
		t.Fatalf("unexpected retry response %d %+v", retryStatus, retried)
	}

	doneStatus, done := waitForStatus(t, client, baseURL, token, as("u6"), "done")
	if doneStatus != http.StatusOK || done["error"] != nil {
		t.Fatalf("expected clean done report, got %d %+v", doneStatus, done)
	}

	againStatus, _, _ := doJSON(t, client, http.MethodPost, baseURL+"/v1/reports/"+token+"/retry", nil, as("u6"))
	if againStatus != http.StatusConflict {
		t.Fatalf("expected done report to be non retryable, got %d", againStatus)
	}

	_, _, list := doJSON(t, client, http.MethodGet, baseURL+"/v1/reports?kind=sales", nil, as("u6"))
	items, _ := list["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one sales report, got %+v", list)
	}
	if attempts, _ := items[0].(map[string]any)["attempts"].(float64); attempts != 2 {
		t.Fatalf("expected two attempts, got %+v", items[0])
	}
}

func TestListReportsRejectsOversizedPage(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	client := runtime.server.Client()
	baseURL := runtime.server.URL

	for _, page := range []string{"9223372036854775807", "99999999999999999999", "abc", "107374183"} {
		status, _, body := doJSON(t, client, http.MethodGet, baseURL+"/v1/reports?page="+page, nil, as("u9"))
		if status != http.StatusBadRequest {
			t.Fatalf("page=%s: expected 400, got %d %+v", page, status, body)
		}
		if errPayload, _ := body["error"].(map[string]any); errPayload["code"] != "invalid_request" {
			t.Fatalf("page=%s: unexpected error payload %+v", page, body)
		}
	}

	status, _, body := doJSON(t, client, http.MethodGet, baseURL+"/v1/reports?page=107374182&page_size=20", nil, as("u9"))
	if status != http.StatusOK || body["has_next"] != false {
		t.Fatalf("expected empty last page, got %d %+v", status, body)
	}
}

func TestStandaloneWorkerRefusesProcessLocalStorage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		ServiceName:    "reporting-worker-test",
		ReportsQueue:   "reports",
		DownloadURLTTL: 15 * time.Minute,
		AuthzMode:      "requester",
		IdempotencyTTL: time.Hour,
	}

	if _, err := New(context.Background(), cfg, logger, StandaloneWorker()); err == nil || !strings.Contains(err.Error(), "S3_BUCKET") {
		t.Fatalf("expected standalone worker without a bucket to fail, got %v", err)
	}

	cfg.S3Bucket = "reports"
	cfg.S3Region = "us-east-1"
	cfg.DatabaseURL = "postgres://reports@127.0.0.1:1/reports?connect_timeout=1"
	if _, err := New(context.Background(), cfg, logger, StandaloneWorker()); err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("expected unreachable database to fail instead of falling back to memory, got %v", err)
	}

	// The combined API process keeps its local fallbacks.
	cfg.S3Bucket = ""
	cfg.DatabaseURL = ""
	cfg.PublicBaseURL = "http://localhost:8080"
	rt, err := New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("expected in-process runtime to start, got %v", err)
	}
	rt.Close()
}
