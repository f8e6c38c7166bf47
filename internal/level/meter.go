package level

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lissahyacinth/audia/internal/sample"
)

// Floor is the level reported for digital silence
const Floor = -120.0

// Meter tracks the signal level of successive audio windows and decides
// whether each one carries signal above a threshold
type Meter struct {
	thresholdDB float64
	smoothing   float64

	// Meter state
	lastLevel float64
	primed    bool

	// Statistics
	totalWindows  uint64
	activeWindows uint64
	peakDB        float64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the measurement of one window
type Result struct {
	RMS       float64   `json:"rms_dbfs"`
	Peak      float64   `json:"peak_dbfs"`
	Level     float64   `json:"level_dbfs"` // smoothed RMS
	Active    bool      `json:"active"`
	Samples   int       `json:"samples"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats represents meter statistics
type Stats struct {
	Threshold        float64   `json:"threshold_dbfs"`
	Level            float64   `json:"level_dbfs"`
	PeakSeen         float64   `json:"peak_dbfs"`
	TotalWindows     uint64    `json:"total_windows"`
	ActiveWindows    uint64    `json:"active_windows"`
	ActivePercentage float64   `json:"active_percentage"`
	LastProcessed    time.Time `json:"last_processed"`
}

// NewMeter creates a meter that flags windows whose smoothed RMS reaches
// thresholdDB (dBFS, between Floor and 0)
func NewMeter(thresholdDB float64) (*Meter, error) {
	if thresholdDB < Floor || thresholdDB > 0 {
		return nil, fmt.Errorf("threshold must be between %.0f and 0 dBFS, got %.1f", Floor, thresholdDB)
	}
	return &Meter{
		thresholdDB: thresholdDB,
		smoothing:   0.5,
		lastLevel:   Floor,
		peakDB:      Floor,
	}, nil
}

// Measure computes the level of a window of interleaved samples
func Measure[T sample.Sample](m *Meter, samples []T) Result {
	rms, peak := analyze(samples)

	m.mu.Lock()
	defer m.mu.Unlock()

	smoothed := rms
	if m.primed {
		smoothed = m.smoothing*rms + (1-m.smoothing)*m.lastLevel
	}
	m.lastLevel = smoothed
	m.primed = true

	active := smoothed >= m.thresholdDB
	m.totalWindows++
	if active {
		m.activeWindows++
	}
	if peak > m.peakDB {
		m.peakDB = peak
	}
	m.lastProcessed = time.Now()

	return Result{
		RMS:       rms,
		Peak:      peak,
		Level:     smoothed,
		Active:    active,
		Samples:   len(samples),
		Timestamp: m.lastProcessed,
	}
}

// analyze returns RMS and peak in dBFS
func analyze[T sample.Sample](samples []T) (rms, peak float64) {
	if len(samples) == 0 {
		return Floor, Floor
	}
	norm := normalizer[T]()

	var energy, maxAbs float64
	for _, s := range samples {
		v := norm(s)
		energy += v * v
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	return toDB(math.Sqrt(energy / float64(len(samples)))), toDB(maxAbs)
}

// normalizer maps a sample onto [-1, 1] by full-scale division. The codec's
// i32 path narrows through i16 with an offset, which is wrong for metering.
func normalizer[T sample.Sample]() func(T) float64 {
	var zero T
	switch any(zero).(type) {
	case int16:
		return func(v T) float64 { return float64(v) / 32768 }
	case int32:
		return func(v T) float64 { return float64(v) / 2147483648 }
	case uint16:
		return func(v T) float64 { return (float64(v) - 32768) / 32768 }
	default:
		return func(v T) float64 { return float64(v) }
	}
}

func toDB(amplitude float64) float64 {
	if amplitude <= 0 || math.IsNaN(amplitude) {
		return Floor
	}
	return max(20*math.Log10(amplitude), Floor)
}

// GetStats returns current meter statistics
func (m *Meter) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	activePercentage := float64(0)
	if m.totalWindows > 0 {
		activePercentage = float64(m.activeWindows) / float64(m.totalWindows) * 100
	}

	return Stats{
		Threshold:        m.thresholdDB,
		Level:            m.lastLevel,
		PeakSeen:         m.peakDB,
		TotalWindows:     m.totalWindows,
		ActiveWindows:    m.activeWindows,
		ActivePercentage: activePercentage,
		LastProcessed:    m.lastProcessed,
	}
}

// Threshold returns the activity threshold in dBFS
func (m *Meter) Threshold() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholdDB
}

// Reset clears meter state and statistics
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLevel = Floor
	m.primed = false
	m.peakDB = Floor
	m.totalWindows = 0
	m.activeWindows = 0
	m.lastProcessed = time.Time{}
}
