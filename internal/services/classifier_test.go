package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/types"
)

func TestStaticClassifier_PlaysScriptThenRepeatsLast(t *testing.T) {
	svc := NewStaticClassifier(negativeClassification(), positiveClassification())
	ctx := context.Background()

	first, err := svc.Classify(ctx, nil, types.TestTypeCovid19)
	if err != nil {
		t.Fatalf("first classify: %v", err)
	}
	if first.Result != types.ResultNegative {
		t.Fatalf("expected scripted negative, got %s", first.Result)
	}

	for i := 0; i < 3; i++ {
		out, err := svc.Classify(ctx, nil, types.TestTypeCovid19)
		if err != nil {
			t.Fatalf("classify %d: %v", i, err)
		}
		if out.Result != types.ResultPositive {
			t.Fatalf("script must repeat its last entry, got %s", out.Result)
		}
	}
}

func TestValidateClassification_RejectsOutOfContractOutput(t *testing.T) {
	cases := []struct {
		name string
		in   *types.Classification
	}{
		{"nil result", nil},
		{"unknown label", &types.Classification{Result: "MAYBE", Confidence: 0.5}},
		{"confidence above one", &types.Classification{Result: types.ResultPositive, Confidence: 1.2}},
		{"negative confidence", &types.Classification{Result: types.ResultNegative, Confidence: -0.1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateClassification(tc.in)
			if apierr.CodeOf(err) != ClassifyBadResponse {
				t.Fatalf("expected %s, got %v", ClassifyBadResponse, err)
			}
		})
	}

	if err := validateClassification(&types.Classification{Result: types.ResultPositive, Confidence: 0.8}); err != nil {
		t.Fatalf("in-contract output must pass, got %v", err)
	}
}

func TestRemoteClassifier_ParsesProviderResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/classify" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req classifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.TestType != string(types.TestTypeCovid19) {
			t.Errorf("test type not forwarded: %q", req.TestType)
		}
		_ = json.NewEncoder(w).Encode(classifyResponse{
			Result:      "positive",
			Confidence:  0.92,
			ControlLine: classifyLineSignal{Detected: true, Intensity: 0.88},
			TestLine:    classifyLineSignal{Detected: true, Intensity: 0.61},
		})
	}))
	defer server.Close()

	t.Setenv("CLASSIFIER_BASE_URL", server.URL)
	t.Setenv("CLASSIFIER_MAX_RETRIES", "0")
	svc, err := NewRemoteClassifier(newTestLogger(t))
	if err != nil {
		t.Fatalf("init remote classifier: %v", err)
	}

	out, err := svc.Classify(context.Background(), []byte("img"), types.TestTypeCovid19)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if out.Result != types.ResultPositive || out.Confidence != 0.92 {
		t.Fatalf("response not parsed: %s %.2f", out.Result, out.Confidence)
	}
	if !out.SubSignals.TestLineDetected || out.SubSignals.ControlLineIntensity != 0.88 {
		t.Fatalf("sub signals not parsed: %+v", out.SubSignals)
	}
	if out.Metadata.Provider != "remote" {
		t.Fatalf("metadata provider wrong: %q", out.Metadata.Provider)
	}
}

func TestRemoteClassifier_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(classifyResponse{
			Result:      "negative",
			Confidence:  0.9,
			ControlLine: classifyLineSignal{Detected: true, Intensity: 0.8},
		})
	}))
	defer server.Close()

	t.Setenv("CLASSIFIER_BASE_URL", server.URL)
	t.Setenv("CLASSIFIER_MAX_RETRIES", "2")
	svc, err := NewRemoteClassifier(newTestLogger(t))
	if err != nil {
		t.Fatalf("init remote classifier: %v", err)
	}

	out, err := svc.Classify(context.Background(), []byte("img"), types.TestTypeCovid19)
	if err != nil {
		t.Fatalf("classify should survive one 500: %v", err)
	}
	if out.Result != types.ResultNegative {
		t.Fatalf("unexpected result %s", out.Result)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", got)
	}
}

func TestRemoteClassifier_BadStatusIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer server.Close()

	t.Setenv("CLASSIFIER_BASE_URL", server.URL)
	t.Setenv("CLASSIFIER_MAX_RETRIES", "3")
	svc, err := NewRemoteClassifier(newTestLogger(t))
	if err != nil {
		t.Fatalf("init remote classifier: %v", err)
	}

	_, err = svc.Classify(context.Background(), []byte("img"), types.TestTypeCovid19)
	if apierr.CodeOf(err) != ClassifyBadResponse {
		t.Fatalf("expected %s, got %v", ClassifyBadResponse, err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", got)
	}
}

func TestRemoteClassifier_TimeoutReportsClassifyTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer server.Close()

	t.Setenv("CLASSIFIER_BASE_URL", server.URL)
	t.Setenv("CLASSIFIER_TIMEOUT_SECONDS", "1")
	t.Setenv("CLASSIFIER_MAX_RETRIES", "0")
	svc, err := NewRemoteClassifier(newTestLogger(t))
	if err != nil {
		t.Fatalf("init remote classifier: %v", err)
	}

	_, err = svc.Classify(context.Background(), []byte("img"), types.TestTypeCovid19)
	if apierr.CodeOf(err) != ClassifyTimeout {
		t.Fatalf("expected %s, got %v", ClassifyTimeout, err)
	}
}
