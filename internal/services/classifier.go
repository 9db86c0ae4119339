package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/types"
	"github.com/stripsense/stripsense-backend/internal/utils"
)

const (
	ClassifyTimeout     = "CLASSIFY_TIMEOUT"
	ClassifyUnavailable = "CLASSIFY_UNAVAILABLE"
	ClassifyBadResponse = "CLASSIFY_BAD_RESPONSE"
)

// ClassifierService is the swappable boundary between the submission pipeline
// and whatever actually reads the strip. Implementations must either return a
// fully validated Classification or an error; fabricating a result on failure
// is not allowed.
type ClassifierService interface {
	Classify(ctx context.Context, imageBytes []byte, testType types.TestType) (*types.Classification, error)
}

// NewClassifierService selects the provider from CLASSIFIER_PROVIDER
// ("remote" or "mock", default mock).
func NewClassifierService(log *logger.Logger) (ClassifierService, error) {
	provider := utils.GetEnv("CLASSIFIER_PROVIDER", "mock", log)
	switch provider {
	case "remote":
		return NewRemoteClassifier(log)
	case "mock":
		return NewMockClassifier(log), nil
	default:
		return nil, fmt.Errorf("unknown CLASSIFIER_PROVIDER %q", provider)
	}
}

// validateClassification rejects out-of-contract provider output so a broken
// model never leaks an unusable record into the store.
func validateClassification(c *types.Classification) error {
	if c == nil {
		return apierr.Classification(ClassifyBadResponse, fmt.Errorf("classifier returned no result"))
	}
	if _, err := types.ParseTestResult(string(c.Result)); err != nil {
		return apierr.Classification(ClassifyBadResponse, fmt.Errorf("classifier returned unknown label %q", c.Result))
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return apierr.Classification(ClassifyBadResponse, fmt.Errorf("classifier confidence %.3f outside [0,1]", c.Confidence))
	}
	return nil
}

// ---------- remote provider ----------

type remoteClassifier struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewRemoteClassifier(log *logger.Logger) (ClassifierService, error) {
	serviceLog := log.With("service", "RemoteClassifier")
	baseURL := utils.GetEnv("CLASSIFIER_BASE_URL", "", log)
	if baseURL == "" {
		return nil, fmt.Errorf("missing env var CLASSIFIER_BASE_URL")
	}
	timeoutSec := utils.GetEnvAsInt("CLASSIFIER_TIMEOUT_SECONDS", 30, log)
	return &remoteClassifier{
		log:        serviceLog,
		baseURL:    baseURL,
		apiKey:     utils.GetEnv("CLASSIFIER_API_KEY", "", log),
		model:      utils.GetEnv("CLASSIFIER_MODEL", "rdt-reader-v1", log),
		timeout:    time.Duration(timeoutSec) * time.Second,
		maxRetries: utils.GetEnvAsInt("CLASSIFIER_MAX_RETRIES", 2, log),
		httpClient: &http.Client{},
	}, nil
}

type classifyRequest struct {
	Model       string `json:"model,omitempty"`
	TestType    string `json:"test_type"`
	ImageBase64 string `json:"image_base64"`
}

type classifyLineSignal struct {
	Detected  bool    `json:"detected"`
	Intensity float64 `json:"intensity"`
}

type classifyResponse struct {
	Result      string             `json:"result"`
	Confidence  float64            `json:"confidence"`
	ControlLine classifyLineSignal `json:"control_line"`
	TestLine    classifyLineSignal `json:"test_line"`
	Model       string             `json:"model,omitempty"`
}

func (rc *remoteClassifier) Classify(ctx context.Context, imageBytes []byte, testType types.TestType) (*types.Classification, error) {
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	payload, err := json.Marshal(classifyRequest{
		Model:       rc.model,
		TestType:    string(testType),
		ImageBase64: base64.StdEncoding.EncodeToString(imageBytes),
	})
	if err != nil {
		return nil, apierr.Classification(ClassifyBadResponse, fmt.Errorf("encode classify request: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, rc.wrapCtxErr(ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		out, retryable, err := rc.doClassify(ctx, payload)
		if err == nil {
			out.Metadata = types.ClassificationMetadata{
				Provider:  "remote",
				Model:     rc.model,
				LatencyMS: time.Since(started).Milliseconds(),
				Elapsed:   time.Since(started),
			}
			if vErr := validateClassification(out); vErr != nil {
				return nil, vErr
			}
			return out, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		rc.log.Warn("Classifier call failed, retrying", "attempt", attempt, "error", err)
	}

	if ctx.Err() != nil {
		return nil, rc.wrapCtxErr(ctx.Err())
	}
	var ae *apierr.Error
	if errors.As(lastErr, &ae) {
		return nil, lastErr
	}
	return nil, apierr.Classification(ClassifyUnavailable, fmt.Errorf("classifier unavailable: %w", lastErr))
}

func (rc *remoteClassifier) doClassify(ctx context.Context, payload []byte) (*types.Classification, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.baseURL+"/v1/classify", bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if rc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+rc.apiKey)
	}

	resp, err := rc.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, apierr.Classification(ClassifyBadResponse,
			fmt.Errorf("classifier returned %d: %s", resp.StatusCode, string(body)))
	}

	var parsed classifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, apierr.Classification(ClassifyBadResponse, fmt.Errorf("decode classifier response: %w", err))
	}
	result, err := types.ParseTestResult(parsed.Result)
	if err != nil {
		return nil, false, apierr.Classification(ClassifyBadResponse, err)
	}

	return &types.Classification{
		Result:     result,
		Confidence: parsed.Confidence,
		SubSignals: types.SubSignals{
			ControlLineDetected:  parsed.ControlLine.Detected,
			ControlLineIntensity: parsed.ControlLine.Intensity,
			TestLineDetected:     parsed.TestLine.Detected,
			TestLineIntensity:    parsed.TestLine.Intensity,
		},
	}, false, nil
}

func (rc *remoteClassifier) wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Classification(ClassifyTimeout, fmt.Errorf("classification timed out after %s", rc.timeout))
	}
	return apierr.Classification(ClassifyUnavailable, err)
}

// ---------- mock provider ----------

// mockClassifier is the demo stand-in. It is intentionally non-deterministic
// and must never be used where stable results matter; tests inject
// NewStaticClassifier instead.
type mockClassifier struct {
	log   *logger.Logger
	mu    sync.Mutex
	rng   *rand.Rand
	delay time.Duration
}

func NewMockClassifier(log *logger.Logger) ClassifierService {
	serviceLog := log.With("service", "MockClassifier")
	delayMS := utils.GetEnvAsInt("MOCK_CLASSIFIER_DELAY_MS", 750, log)
	return &mockClassifier{
		log:   serviceLog,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		delay: time.Duration(delayMS) * time.Millisecond,
	}
}

func (mc *mockClassifier) Classify(ctx context.Context, imageBytes []byte, testType types.TestType) (*types.Classification, error) {
	started := time.Now()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apierr.Classification(ClassifyTimeout, fmt.Errorf("classification timed out"))
		}
		return nil, apierr.Classification(ClassifyUnavailable, ctx.Err())
	case <-time.After(mc.delay):
	}

	mc.mu.Lock()
	roll := mc.rng.Float64()
	confidence := 0.55 + mc.rng.Float64()*0.44
	controlIntensity := 0.6 + mc.rng.Float64()*0.4
	testIntensity := mc.rng.Float64()
	mc.mu.Unlock()

	out := &types.Classification{
		Confidence: confidence,
		SubSignals: types.SubSignals{
			ControlLineDetected:  true,
			ControlLineIntensity: controlIntensity,
		},
		Metadata: types.ClassificationMetadata{
			Provider:  "mock",
			Model:     "random-demo",
			LatencyMS: time.Since(started).Milliseconds(),
			Elapsed:   time.Since(started),
		},
	}

	switch {
	case roll < 0.35:
		out.Result = types.ResultPositive
		out.SubSignals.TestLineDetected = true
		out.SubSignals.TestLineIntensity = 0.4 + 0.6*testIntensity
	case roll < 0.85:
		out.Result = types.ResultNegative
		out.SubSignals.TestLineIntensity = 0.1 * testIntensity
	case roll < 0.95:
		out.Result = types.ResultInvalid
		out.SubSignals.ControlLineDetected = false
		out.SubSignals.ControlLineIntensity = 0.1 * controlIntensity
	default:
		out.Result = types.ResultInconclusive
		out.SubSignals.TestLineDetected = true
		out.SubSignals.TestLineIntensity = 0.15 + 0.1*testIntensity
	}

	if err := validateClassification(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------- static provider ----------

// staticClassifier returns scripted results in order, then repeats the last
// one. Deterministic by construction; used by tests and local development.
type staticClassifier struct {
	mu      sync.Mutex
	results []types.Classification
	next    int
}

func NewStaticClassifier(results ...types.Classification) ClassifierService {
	if len(results) == 0 {
		results = []types.Classification{{
			Result:     types.ResultNegative,
			Confidence: 0.9,
			SubSignals: types.SubSignals{
				ControlLineDetected:  true,
				ControlLineIntensity: 0.8,
			},
		}}
	}
	return &staticClassifier{results: results}
}

func (sc *staticClassifier) Classify(ctx context.Context, imageBytes []byte, testType types.TestType) (*types.Classification, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apierr.Classification(ClassifyTimeout, fmt.Errorf("classification timed out"))
		}
		return nil, apierr.Classification(ClassifyUnavailable, err)
	}

	sc.mu.Lock()
	out := sc.results[sc.next]
	if sc.next < len(sc.results)-1 {
		sc.next++
	}
	sc.mu.Unlock()

	out.Metadata = types.ClassificationMetadata{Provider: "static"}
	c := out
	if err := validateClassification(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
