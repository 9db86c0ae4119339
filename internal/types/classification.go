package types

import "time"

// SubSignals are the per-line detections a classifier reports alongside the
// overall result. Control-line presence indicates the strip itself is valid;
// test-line presence indicates a positive signal.
type SubSignals struct {
	ControlLineDetected  bool    `json:"control_line_detected"`
	ControlLineIntensity float64 `json:"control_line_intensity"`
	TestLineDetected     bool    `json:"test_line_detected"`
	TestLineIntensity    float64 `json:"test_line_intensity"`
}

type ClassificationMetadata struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model,omitempty"`
	LatencyMS int64         `json:"latency_ms"`
	Elapsed   time.Duration `json:"-"`
}

// Classification is the structured output of the classifier adapter.
type Classification struct {
	Result     TestResult             `json:"result"`
	Confidence float64                `json:"confidence"`
	SubSignals SubSignals             `json:"sub_signals"`
	Metadata   ClassificationMetadata `json:"metadata"`
}

// Recommendation renders the human-readable guidance derived from the line
// sub-signals. Absent control line means the strip cannot be trusted at all.
func (c *Classification) Recommendation() string {
	if c == nil {
		return ""
	}
	if !c.SubSignals.ControlLineDetected {
		return "No control line detected. The test is invalid; please retake it with a new strip."
	}
	switch c.Result {
	case ResultPositive:
		return "Control and test lines detected. This reading is positive; consult a healthcare provider to confirm."
	case ResultNegative:
		return "Control line detected with no test line. This reading is negative."
	case ResultInconclusive:
		return "Line signals were too weak to read reliably. Retake the photo in better light or repeat the test."
	default:
		return "The strip could not be read. Please repeat the test."
	}
}
