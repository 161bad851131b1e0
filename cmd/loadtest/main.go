package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/reporting-back/internal/app"
	"github.com/iago/reporting-back/internal/config"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	cancel context.CancelFunc
}

type submitResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

type pollResponse struct {
	Status      string `json:"status"`
	DownloadURL string `json:"download_url"`
}

func main() {
	submitTotal := flag.Int("submit-total", 200, "total report submissions")
	submitConcurrency := flag.Int("submit-concurrency", 28, "concurrency for report submissions")
	roundTripTotal := flag.Int("roundtrip-total", 80, "total submit-until-done round trips")
	roundTripConcurrency := flag.Int("roundtrip-concurrency", 16, "concurrency for round trips")
	listTotal := flag.Int("list-total", 120, "total report list requests")
	listConcurrency := flag.Int("list-concurrency", 20, "concurrency for report list requests")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment()
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	var idCounter int64

	submitScenario := runScenario("reports_submit", *submitTotal, *submitConcurrency, func(index int) error {
		requestID := atomic.AddInt64(&idCounter, 1)
		payload := map[string]any{
			"kind":   "params_json",
			"params": map[string]any{"month": fmt.Sprintf("2024-%02d", index%12+1), "seq": requestID},
		}
		headers := requesterHeaders(index % 40)
		headers["Idempotency-Key"] = fmt.Sprintf("submit-%d-%d", requestID, time.Now().UnixNano())
		return postJSON(client, env.server.URL+"/v1/reports", payload, headers, http.StatusAccepted, nil)
	})

	roundTripScenario := runScenario("reports_roundtrip", *roundTripTotal, *roundTripConcurrency, func(index int) error {
		headers := requesterHeaders(index % 16)
		var submitted submitResponse
		payload := map[string]any{"kind": "params_json", "params": map[string]any{"index": index}}
		if err := postJSON(client, env.server.URL+"/v1/reports", payload, headers, http.StatusAccepted, &submitted); err != nil {
			return err
		}
		return waitForDone(client, env.server.URL, submitted.Token, headers, 10*time.Second)
	})

	listScenario := runScenario("reports_list", *listTotal, *listConcurrency, func(index int) error {
		query := fmt.Sprintf("%s/v1/reports?page=%d&page_size=20", env.server.URL, (index%6)+1)
		return getJSON(client, query, requesterHeaders(index%40), http.StatusOK)
	})

	results := []scenarioResult{submitScenario, roundTripScenario, listScenario}
	slo := map[string]bool{
		"submit_endpoint_p95_le_200ms": submitScenario.P95MS <= 200,
		"roundtrip_p95_le_5000ms":      roundTripScenario.P95MS <= 5000,
		"list_endpoint_p95_le_300ms":   listScenario.P95MS <= 300,
		"roundtrip_without_errors":     roundTripScenario.Errors == 0,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func requesterHeaders(index int) map[string]string {
	return map[string]string{
		"X-Requester-Type": "user",
		"X-Requester-Id":   fmt.Sprintf("load-%d", index),
	}
}

func startBenchmarkEnvironment() (*benchmarkEnv, error) {
	server := httptest.NewUnstartedServer(nil)
	cfg := config.Config{
		ServiceName:           "reporting-load",
		ReportsQueue:          "reports",
		QueueMaxAttempts:      3,
		QueueBatchingEnabled:  true,
		WorkerConcurrency:     8,
		GenerationTimeout:     5 * time.Second,
		DownloadURLTTL:        15 * time.Minute,
		PublicBaseURL:         "http://" + server.Listener.Addr().String(),
		DownloadSigningSecret: "load-secret",
		AuthzMode:             "requester",
		IdempotencyTTL:        time.Hour,
		RateLimitRPS:          20000,
		RateLimitBurst:        20000,
		DemoGeneratorsEnabled: true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := app.New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		cancel()
		return nil, err
	}
	go rt.Processor.Start(ctx)

	server.Config.Handler = rt.Handler
	server.Start()
	return &benchmarkEnv{
		server: server,
		cancel: func() {
			cancel()
			server.Close()
			rt.Close()
		},
	}, nil
}

func waitForDone(client *http.Client, baseURL, token string, headers map[string]string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		request, err := http.NewRequest(http.MethodGet, baseURL+"/v1/reports/"+token, nil)
		if err != nil {
			return err
		}
		for key, value := range headers {
			request.Header.Set(key, value)
		}
		response, err := client.Do(request)
		if err != nil {
			return err
		}
		var polled pollResponse
		decodeErr := json.NewDecoder(response.Body).Decode(&polled)
		response.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("decode poll response: %w", decodeErr)
		}

		switch polled.Status {
		case "done":
			if polled.DownloadURL == "" {
				return errors.New("done report without download url")
			}
			return nil
		case "failed":
			return fmt.Errorf("report %s failed", token)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for report %s", token)
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	result := scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
	return result
}

func postJSON(
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
	target any,
) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	return json.NewDecoder(response.Body).Decode(target)
}

func getJSON(client *http.Client, url string, headers map[string]string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
