package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerchantRisk(t *testing.T) {
	// 'm' (109) + '1' (49) = 158; 158 % 5 = 3
	assert.Equal(t, 3, MerchantRisk("m1"))
	assert.Equal(t, MerchantRisk("m1"), MerchantRisk("m1"))
	assert.Equal(t, 0, MerchantRisk(""))

	// Multi-byte runes count every byte: "é" is 0xC3 0xA9 = 195 + 169 = 364.
	assert.Equal(t, 364%5, MerchantRisk("é"))

	for _, id := range []string{"amazon", "merchant-42", "店舗"} {
		r := MerchantRisk(id)
		assert.GreaterOrEqual(t, r, 0)
		assert.Less(t, r, 5)
	}
}

func TestParseHourSource(t *testing.T) {
	s, err := ParseHourSource("")
	require.NoError(t, err)
	assert.Equal(t, HourAtScoring, s)

	s, err = ParseHourSource("event")
	require.NoError(t, err)
	assert.Equal(t, HourAtEvent, s)

	_, err = ParseHourSource("ingest")
	assert.Error(t, err)
}

func TestFeatureBuilder_HourSources(t *testing.T) {
	scoringTime := time.Date(2026, 2, 3, 20, 59, 0, 0, time.UTC)
	eventTime := time.Date(2026, 2, 3, 9, 0, 0, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name      string
		source    HourSource
		eventTime *time.Time
		wantHour  int
	}{
		{"scoring time ignores event time", HourAtScoring, &eventTime, 20},
		{"event time in UTC", HourAtEvent, &eventTime, 8},
		{"event source falls back when absent", HourAtEvent, nil, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := FeatureBuilder{Source: tt.source, Now: func() time.Time { return scoringTime }}
			f := b.Build("m1", 10.5, tt.eventTime)
			assert.Equal(t, tt.wantHour, f.HourOfDayUTC)
			assert.Equal(t, 10.5, f.Amount)
			assert.Equal(t, 3, f.MerchantRisk)
		})
	}
}

func TestFeatures_Vector(t *testing.T) {
	f := Features{Amount: 10.5, MerchantRisk: 3, HourOfDayUTC: 20}
	assert.Equal(t, []float64{10.5, 3, 20}, f.Vector())
}
