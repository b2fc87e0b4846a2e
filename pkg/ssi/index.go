package ssi

import (
	"math"
	"sort"

	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Median of xs. xs is not modified.
func Median(xs []float64) (float64, error) {
	if len(xs) == 0 {
		return 0, errs.ErrInsufficientData
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid], nil
	}
	return (s[mid-1] + s[mid]) / 2, nil
}

func Mean(xs []float64) (float64, error) {
	if len(xs) == 0 {
		return 0, errs.ErrInsufficientData
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs)), nil
}

// Index computes median(n) / mean(m) * 100 / 2, rounded to places and bounded
// to [0, 100]. Empty samples, non-finite values and a non-positive mean(m) return
// errs.ErrInsufficientData.
func Index(n, m []float64, places int32) (decimal.Decimal, error) {
	med, err := Median(n)
	if err != nil {
		return decimal.Zero, err
	}
	mean, err := Mean(m)
	if err != nil {
		return decimal.Zero, err
	}
	if mean <= 0 || !finite(med) || !finite(mean) {
		return decimal.Zero, errs.ErrInsufficientData
	}

	v := decimal.NewFromFloat(med).
		Div(decimal.NewFromFloat(mean)).
		Mul(hundred).
		Div(decimal.NewFromInt(2))

	switch {
	case v.IsNegative():
		v = decimal.Zero
	case v.GreaterThan(hundred):
		v = hundred
	}
	return v.Round(places), nil
}

// SuspectLevel maps a deviating fraction onto 0..len(thresholds). The level is
// the number of thresholds the fraction reaches, so it never decreases as the
// fraction grows.
func SuspectLevel(fraction float64, thresholds []float64) int {
	level := 0
	for _, t := range thresholds {
		if fraction >= t {
			level++
		}
	}
	return level
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
