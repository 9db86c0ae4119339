package types

import (
	"strings"
	"testing"
)

func TestParseTestType_NormalizesCase(t *testing.T) {
	cases := []struct {
		in      string
		want    TestType
		wantErr bool
	}{
		{"covid_19", TestTypeCovid19, false},
		{" COVID_19 ", TestTypeCovid19, false},
		{"Influenza_A", TestTypeInfluenzaA, false},
		{"other", TestTypeOther, false},
		{"blood_panel", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseTestType(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseTestType(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseTestType(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestParseTestResult_RejectsUnknownLabels(t *testing.T) {
	if _, err := ParseTestResult("positive"); err != nil {
		t.Fatalf("lowercase label must parse: %v", err)
	}
	if _, err := ParseTestResult("MAYBE"); err == nil {
		t.Fatalf("unknown label must be rejected")
	}
}

func TestRecommendation_KeysOffLineSignals(t *testing.T) {
	noControl := &Classification{
		Result:     ResultInvalid,
		SubSignals: SubSignals{ControlLineDetected: false},
	}
	if got := noControl.Recommendation(); !strings.Contains(got, "invalid") {
		t.Fatalf("missing control line must read as invalid, got %q", got)
	}

	positive := &Classification{
		Result:     ResultPositive,
		SubSignals: SubSignals{ControlLineDetected: true, TestLineDetected: true},
	}
	if got := positive.Recommendation(); !strings.Contains(got, "positive") {
		t.Fatalf("positive reading must say so, got %q", got)
	}

	negative := &Classification{
		Result:     ResultNegative,
		SubSignals: SubSignals{ControlLineDetected: true},
	}
	if got := negative.Recommendation(); !strings.Contains(got, "negative") {
		t.Fatalf("negative reading must say so, got %q", got)
	}

	var nilClassification *Classification
	if got := nilClassification.Recommendation(); got != "" {
		t.Fatalf("nil classification must render empty, got %q", got)
	}
}
