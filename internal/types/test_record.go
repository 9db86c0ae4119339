package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TestType string

const (
	TestTypeCovid19    TestType = "COVID_19"
	TestTypePregnancy  TestType = "PREGNANCY"
	TestTypeInfluenzaA TestType = "INFLUENZA_A"
	TestTypeInfluenzaB TestType = "INFLUENZA_B"
	TestTypeStrepA     TestType = "STREP_A"
	TestTypeOther      TestType = "OTHER"
)

func ParseTestType(raw string) (TestType, error) {
	tt := TestType(strings.ToUpper(strings.TrimSpace(raw)))
	switch tt {
	case TestTypeCovid19, TestTypePregnancy, TestTypeInfluenzaA, TestTypeInfluenzaB, TestTypeStrepA, TestTypeOther:
		return tt, nil
	}
	return "", fmt.Errorf("unknown test type %q", raw)
}

type TestResult string

const (
	ResultPositive     TestResult = "POSITIVE"
	ResultNegative     TestResult = "NEGATIVE"
	ResultInvalid      TestResult = "INVALID"
	ResultInconclusive TestResult = "INCONCLUSIVE"
)

func ParseTestResult(raw string) (TestResult, error) {
	tr := TestResult(strings.ToUpper(strings.TrimSpace(raw)))
	switch tr {
	case ResultPositive, ResultNegative, ResultInvalid, ResultInconclusive:
		return tr, nil
	}
	return "", fmt.Errorf("unknown test result %q", raw)
}

// TestRecord is one submitted strip photo and its classification outcome.
// OwnerID, TestType and ImageKey are set at creation and never change; Result
// and Confidence only change together through reanalysis.
type TestRecord struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_id"`
	Owner       *User          `gorm:"constraint:OnDelete:CASCADE;foreignKey:OwnerID;references:ID" json:"-"`
	TestType    TestType       `gorm:"column:test_type;not null;index" json:"test_type"`
	Result      TestResult     `gorm:"column:result;not null;index" json:"result"`
	Confidence  float64        `gorm:"column:confidence;not null" json:"confidence"`
	SubSignals  datatypes.JSON `gorm:"column:sub_signals" json:"sub_signals,omitempty"`
	ImageKey    string         `gorm:"column:image_key;not null" json:"image_key"`
	ImageURL    string         `gorm:"column:image_url" json:"image_url"`
	Location    string         `gorm:"column:location" json:"location,omitempty"`
	Latitude    *float64       `gorm:"column:latitude" json:"latitude,omitempty"`
	Longitude   *float64       `gorm:"column:longitude" json:"longitude,omitempty"`
	IsAnonymous bool           `gorm:"column:is_anonymous;not null;default:false" json:"is_anonymous"`
	IsReported  bool           `gorm:"column:is_reported;not null;default:false" json:"is_reported"`
	TestDate    time.Time      `gorm:"column:test_date;not null;index" json:"test_date"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (TestRecord) TableName() string { return "test_record" }
