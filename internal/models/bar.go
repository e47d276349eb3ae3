// Package models defines the core domain entities: price bars and statistics reports.
package models

import (
	"errors"
	"math"
)

// Bar is one OHLC summary of an instrument over a fixed time slice.
// Time and Count are integers; arithmetic on them uses integer semantics,
// so a divided Bar truncates those two fields.
type Bar struct {
	Time   int64   `json:"time" parquet:"time"`
	Open   float64 `json:"open" parquet:"open"`
	High   float64 `json:"high" parquet:"high"`
	Low    float64 `json:"low" parquet:"low"`
	Close  float64 `json:"close" parquet:"close"`
	VWAP   float64 `json:"vwap" parquet:"vwap"`
	Volume float64 `json:"volume" parquet:"volume"`
	Count  int64   `json:"count" parquet:"count"`
}

// ZeroBar returns the additive identity.
func ZeroBar() Bar {
	return Bar{}
}

// Add returns the field-wise sum of b and o. Time is summed as well so that
// prefix sums can be differenced later.
func (b Bar) Add(o Bar) Bar {
	return Bar{
		Time:   b.Time + o.Time,
		Open:   b.Open + o.Open,
		High:   b.High + o.High,
		Low:    b.Low + o.Low,
		Close:  b.Close + o.Close,
		VWAP:   b.VWAP + o.VWAP,
		Volume: b.Volume + o.Volume,
		Count:  b.Count + o.Count,
	}
}

// Sub returns the field-wise difference b - o. Fields may go negative.
func (b Bar) Sub(o Bar) Bar {
	return Bar{
		Time:   b.Time - o.Time,
		Open:   b.Open - o.Open,
		High:   b.High - o.High,
		Low:    b.Low - o.Low,
		Close:  b.Close - o.Close,
		VWAP:   b.VWAP - o.VWAP,
		Volume: b.Volume - o.Volume,
		Count:  b.Count - o.Count,
	}
}

// Div divides every field by n. Time and Count use integer division.
// n must be positive; n == 0 panics.
func (b Bar) Div(n int) Bar {
	d := float64(n)
	return Bar{
		Time:   b.Time / int64(n),
		Open:   b.Open / d,
		High:   b.High / d,
		Low:    b.Low / d,
		Close:  b.Close / d,
		VWAP:   b.VWAP / d,
		Volume: b.Volume / d,
		Count:  b.Count / int64(n),
	}
}

// Abs returns the field-wise absolute value.
func (b Bar) Abs() Bar {
	return Bar{
		Time:   absInt(b.Time),
		Open:   math.Abs(b.Open),
		High:   math.Abs(b.High),
		Low:    math.Abs(b.Low),
		Close:  math.Abs(b.Close),
		VWAP:   math.Abs(b.VWAP),
		Volume: math.Abs(b.Volume),
		Count:  absInt(b.Count),
	}
}

// Validate checks bar field constraints for bars coming off a feed.
func (b *Bar) Validate() error {
	if b.Time <= 0 {
		return errors.New("bar time must be positive")
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.VWAP, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("bar fields must be finite")
		}
	}
	if b.High < b.Low {
		return errors.New("bar high must be >= low")
	}
	if b.Volume < 0 {
		return errors.New("bar volume must not be negative")
	}
	if b.Count < 0 {
		return errors.New("bar count must not be negative")
	}
	return nil
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
