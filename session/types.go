package session

import (
	"fmt"
	"sync"
	"time"

	"audiotoolkit/audio"
)

// FloorDB - уровень, который отдаётся вместо -Inf/NaN (тишина)
const FloorDB = -60.0

// RecordingStatus представляет состояние записи
type RecordingStatus string

const (
	RecordingStatusRecording RecordingStatus = "recording"
	RecordingStatusCompleted RecordingStatus = "completed"
	RecordingStatusFailed    RecordingStatus = "failed"
)

// RecordingInfo - сохраняемые поля записи
type RecordingInfo struct {
	ID        string          `json:"id"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	Status    RecordingStatus `json:"status"`
	Language  string          `json:"language"`

	Segments []Segment `json:"segments"`
	// Transcripts - итоговый текст по источникам ("mic", "system")
	Transcripts map[string]string `json:"transcripts,omitempty"`
}

// Recording - одна запись (startRecording ... stopRecording) со всеми сегментами обоих источников
type Recording struct {
	RecordingInfo
	DataDir string

	mu sync.RWMutex
}

// Snapshot возвращает независимую копию полей записи
func (r *Recording) Snapshot() RecordingInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := r.RecordingInfo
	info.Segments = append([]Segment(nil), r.Segments...)
	info.Transcripts = make(map[string]string, len(r.Transcripts))
	for k, v := range r.Transcripts {
		info.Transcripts[k] = v
	}
	return info
}

// Segment - закрытый файл с одной фразой
type Segment struct {
	Source    audio.SourceKind `json:"-"`
	SourceID  string           `json:"source"`
	Path      string           `json:"path"`
	Frames    int64            `json:"frames"`
	Duration  time.Duration    `json:"duration"`
	StartedAt time.Time        `json:"startedAt"`
	ClosedAt  time.Time        `json:"closedAt"`
}

// Format - контейнер файлов сегментов
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

// ParseFormat разбирает формат из конфигурации
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatWAV, "":
		return FormatWAV, nil
	case FormatMP3:
		return FormatMP3, nil
	}
	return "", fmt.Errorf("unsupported segment format: %q", s)
}

// ThresholdMode - политика порога речи
type ThresholdMode string

const (
	ThresholdAdaptive ThresholdMode = "adaptive" // скользящее среднее минус запас
	ThresholdFixed    ThresholdMode = "fixed"    // постоянный порог
)

// ShortSegmentPolicy - что делать с фразой короче MinSpeaking
type ShortSegmentPolicy string

const (
	ShortSegmentsDrop ShortSegmentPolicy = "drop"
	ShortSegmentsKeep ShortSegmentPolicy = "keep"
)

// DefaultLanguage - язык записи и распознавания, если он не указан
const DefaultLanguage = "vi-VN"

// ThresholdConfig конфигурация трекера порога
type ThresholdConfig struct {
	Mode    ThresholdMode `yaml:"mode"`
	Window  int           `yaml:"window"`  // Ёмкость окна (кадров)
	Margin  float64       `yaml:"margin"`  // Запас ниже среднего, dB
	Default float64       `yaml:"default"` // Порог при пустом окне, dB
	Fixed   float64       `yaml:"fixed"`   // Порог для режима fixed, dB
	// NoiseGate - нижняя граница адаптивного порога, dB. На фиксированный порог не влияет.
	NoiseGate float64 `yaml:"noise_gate"`
}

// DefaultThresholdConfig возвращает конфигурацию порога по умолчанию
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		Mode:      ThresholdAdaptive,
		Window:    20,
		Margin:    5,
		Default:   -45,
		Fixed:     -45,
		NoiseGate: -50,
	}
}

// Validate проверяет конфигурацию порога
func (c ThresholdConfig) Validate() error {
	switch c.Mode {
	case ThresholdAdaptive:
		if c.Window <= 0 {
			return fmt.Errorf("threshold window must be positive, got %d", c.Window)
		}
		if c.Margin < 0 {
			return fmt.Errorf("threshold margin must not be negative, got %v", c.Margin)
		}
	case ThresholdFixed:
	default:
		return fmt.Errorf("unknown threshold mode: %q", c.Mode)
	}
	return nil
}

// SegmenterConfig конфигурация нарезки на фразы
type SegmenterConfig struct {
	Enabled       bool               `yaml:"enabled"`
	MaxSilence    time.Duration      `yaml:"max_silence"`    // Пауза, закрывающая фразу
	MinSpeaking   time.Duration      `yaml:"min_speaking"`   // Минимальная длительность речи
	ShortSegments ShortSegmentPolicy `yaml:"short_segments"` // drop | keep
}

// DefaultSegmenterConfig возвращает конфигурацию нарезки по умолчанию
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		Enabled:       true,
		MaxSilence:    800 * time.Millisecond,
		MinSpeaking:   1 * time.Second,
		ShortSegments: ShortSegmentsDrop,
	}
}

// Validate проверяет конфигурацию нарезки
func (c SegmenterConfig) Validate() error {
	if c.MaxSilence <= 0 {
		return fmt.Errorf("max_silence must be positive, got %v", c.MaxSilence)
	}
	if c.MinSpeaking < 0 {
		return fmt.Errorf("min_speaking must not be negative, got %v", c.MinSpeaking)
	}
	switch c.ShortSegments {
	case ShortSegmentsDrop, ShortSegmentsKeep:
	default:
		return fmt.Errorf("unknown short_segments policy: %q", c.ShortSegments)
	}
	return nil
}
