package scoring

import (
	"fmt"
	"time"
)

// Features is the vector handed to the oracle, in model column order.
type Features struct {
	Amount       float64 `json:"amount" yaml:"amount"`
	MerchantRisk int     `json:"merchant_risk" yaml:"merchant_risk"`
	HourOfDayUTC int     `json:"hour_of_day_utc" yaml:"hour_of_day_utc"`
}

// Vector returns the features as [amount, merchantRisk, hourOfDayUTC].
func (f Features) Vector() []float64 {
	return []float64{f.Amount, float64(f.MerchantRisk), float64(f.HourOfDayUTC)}
}

// MerchantRisk is a provisional placeholder feature: the sum of the UTF-8
// bytes of merchantID, mod 5.
func MerchantRisk(merchantID string) int {
	sum := 0
	for i := 0; i < len(merchantID); i++ {
		sum += int(merchantID[i])
	}
	return sum % 5
}

// HourSource selects which clock feeds the hour-of-day feature.
type HourSource string

const (
	// HourAtScoring uses the wall clock when the event is scored, so a
	// redelivery in a later hour can score differently.
	HourAtScoring HourSource = "scoring"
	// HourAtEvent uses the event's creation time when the payload has one.
	HourAtEvent HourSource = "event"
)

// ParseHourSource validates s.
func ParseHourSource(s string) (HourSource, error) {
	switch HourSource(s) {
	case HourAtScoring, "":
		return HourAtScoring, nil
	case HourAtEvent:
		return HourAtEvent, nil
	default:
		return "", fmt.Errorf("scoring: unknown hour source %q", s)
	}
}

// FeatureBuilder derives Features from event fields.
type FeatureBuilder struct {
	Source HourSource
	Now    func() time.Time
}

// Build is pure given b.Now.
func (b FeatureBuilder) Build(merchantID string, amount float64, eventTime *time.Time) Features {
	t := b.now()
	if b.Source == HourAtEvent && eventTime != nil && !eventTime.IsZero() {
		t = *eventTime
	}
	return Features{
		Amount:       amount,
		MerchantRisk: MerchantRisk(merchantID),
		HourOfDayUTC: t.UTC().Hour(),
	}
}

func (b FeatureBuilder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}
