package session

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/floats"

	"audiotoolkit/audio"
)

// Measure вычисляет уровень кадра в dB по первому каналу: 20*log10(rms).
// Для тишины (rms = 0) и любых нечисловых значений возвращает FloorDB.
func Measure(frame audio.Frame) float64 {
	if frame.Frames == 0 || len(frame.Samples) == 0 {
		return FloorDB
	}
	return ToDB(CalculateRMS(frame.Channel(0)))
}

// ToDB переводит RMS в децибелы с полом FloorDB
func ToDB(rms float64) float64 {
	db := 20 * math.Log10(rms)
	if math.IsNaN(db) || math.IsInf(db, 0) {
		return FloorDB
	}
	return db
}

// CalculateRMS вычисляет RMS для семплов
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s)
	}
	return math.Sqrt(floats.Dot(x, x) / float64(len(x)))
}

// FormatDB форматирует уровень для событий ("%.2f")
func FormatDB(db float64) string {
	return strconv.FormatFloat(db, 'f', 2, 64)
}

// Smoother - экспоненциальное сглаживание уровня для индикатора.
// На нарезку не влияет: сегментатор всегда получает сырые значения.
type Smoother struct {
	alpha  float64
	value  float64
	primed bool
}

// NewSmoother создаёт сглаживатель; alpha вне (0,1] отключает сглаживание
func NewSmoother(alpha float64) *Smoother {
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	return &Smoother{alpha: alpha}
}

// Next добавляет значение и возвращает сглаженный уровень
func (s *Smoother) Next(db float64) float64 {
	if !s.primed {
		s.value = db
		s.primed = true
		return db
	}
	s.value = s.alpha*db + (1-s.alpha)*s.value
	return s.value
}

// Reset сбрасывает состояние
func (s *Smoother) Reset() {
	s.value = 0
	s.primed = false
}
