package session

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// ThresholdPolicy вычисляет порог речи по потоку уровней
type ThresholdPolicy interface {
	// Observe учитывает уровень кадра и возвращает текущий порог
	Observe(db float64) float64
	// Threshold возвращает текущий порог без изменения состояния
	Threshold() float64
	Reset()
}

// NewThresholdPolicy создаёт политику порога по конфигурации
func NewThresholdPolicy(cfg ThresholdConfig) ThresholdPolicy {
	if cfg.Mode == ThresholdFixed {
		return FixedThreshold(cfg.Fixed)
	}
	t := NewAdaptiveThreshold(cfg.Window, cfg.Margin, cfg.Default)
	t.SetFloor(cfg.NoiseGate)
	return t
}

// AdaptiveThreshold - порог как скользящее среднее последних N уровней минус запас.
// Порог не опускается ниже floor: при ровном цифровом фоне среднее минус запас
// всегда ниже сигнала, и без нижней границы фон считался бы речью.
type AdaptiveThreshold struct {
	capacity   int
	margin     float64
	defaultThr float64
	floor      float64

	window []float64
}

// NewAdaptiveThreshold создаёт трекер с окном capacity
func NewAdaptiveThreshold(capacity int, margin, defaultThreshold float64) *AdaptiveThreshold {
	if capacity <= 0 {
		capacity = 1
	}
	return &AdaptiveThreshold{
		capacity:   capacity,
		margin:     margin,
		defaultThr: defaultThreshold,
		floor:      math.Inf(-1),
		window:     make([]float64, 0, capacity),
	}
}

// SetFloor задаёт нижнюю границу порога (шумовой гейт)
func (t *AdaptiveThreshold) SetFloor(db float64) {
	t.floor = db
}

func (t *AdaptiveThreshold) Observe(db float64) float64 {
	if len(t.window) == t.capacity {
		// Сдвигаем окно, самый старый уровень уходит
		copy(t.window, t.window[1:])
		t.window = t.window[:t.capacity-1]
	}
	t.window = append(t.window, db)
	return t.Threshold()
}

func (t *AdaptiveThreshold) Threshold() float64 {
	if len(t.window) == 0 {
		return t.defaultThr
	}
	return math.Max(stat.Mean(t.window, nil)-t.margin, t.floor)
}

func (t *AdaptiveThreshold) Reset() {
	t.window = t.window[:0]
}

// Len возвращает заполненность окна
func (t *AdaptiveThreshold) Len() int {
	return len(t.window)
}

// FixedThreshold - постоянный порог
type FixedThreshold float64

func (f FixedThreshold) Observe(float64) float64 { return float64(f) }
func (f FixedThreshold) Threshold() float64      { return float64(f) }
func (f FixedThreshold) Reset()                  {}
