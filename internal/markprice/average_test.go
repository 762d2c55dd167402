package markprice_test

import (
	"PerpMark/internal/markprice"
	"errors"
	"math"
	"testing"
	"time"
)

func TestAverage(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   float64
	}{
		{"three trades", []float64{10, 5, 7}, 7.333333333333333},
		{"two trades", []float64{10, 20}, 15},
		{"single trade", []float64{42.5}, 42.5},
		{"empty", []float64{}, 0},
		{"nil", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markprice.Average(tt.prices); got != tt.want {
				t.Errorf("Average(%v): got %v, want %v", tt.prices, got, tt.want)
			}
		})
	}
}

func TestValidatePrice(t *testing.T) {
	valid := []float64{0.00000001, 1, 65000.5}
	for _, p := range valid {
		if err := markprice.ValidatePrice(p); err != nil {
			t.Errorf("ValidatePrice(%v): unexpected error %v", p, err)
		}
	}

	invalid := []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)}
	for _, p := range invalid {
		err := markprice.ValidatePrice(p)
		if !errors.Is(err, markprice.ErrInvalidInput) {
			t.Errorf("ValidatePrice(%v): got %v, want ErrInvalidInput", p, err)
		}
	}
}

func TestParseSource(t *testing.T) {
	for _, s := range markprice.Sources {
		got, err := markprice.ParseSource(s.String())
		if err != nil {
			t.Fatalf("ParseSource(%q): %v", s.String(), err)
		}
		if got != s {
			t.Errorf("ParseSource(%q): got %v, want %v", s.String(), got, s)
		}
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}

	if _, err := markprice.ParseSource("last_price"); err == nil {
		t.Error("expected error for unknown source name")
	}
	if markprice.SourceUnknown.Valid() {
		t.Error("SourceUnknown should not be valid")
	}
}

func TestSimulatedClock(t *testing.T) {
	clock := markprice.NewSimulatedClock(epoch)
	if !clock.Now().Equal(epoch) {
		t.Fatalf("Now: got %v, want %v", clock.Now(), epoch)
	}

	if got := clock.Advance(90 * time.Second); !got.Equal(epoch.Add(90 * time.Second)) {
		t.Errorf("Advance: got %v", got)
	}

	back := epoch.Add(-time.Hour)
	clock.Set(back)
	if !clock.Now().Equal(back) {
		t.Errorf("Set: got %v, want %v", clock.Now(), back)
	}
}
