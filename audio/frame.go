package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// SourceKind определяет источник аудио (микрофон или системный звук)
type SourceKind int

const (
	SourceMic SourceKind = iota
	SourceSystem
)

// Kinds - все источники в порядке обхода
var Kinds = []SourceKind{SourceMic, SourceSystem}

func (k SourceKind) String() string {
	switch k {
	case SourceMic:
		return "mic"
	case SourceSystem:
		return "system"
	default:
		return fmt.Sprintf("source(%d)", int(k))
	}
}

// ParseSourceKind разбирает имя источника ("mic", "microphone", "system", "sys")
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mic", "microphone":
		return SourceMic, nil
	case "system", "sys", "loopback":
		return SourceSystem, nil
	}
	return 0, fmt.Errorf("unknown source %q", s)
}

// Frame - блок PCM данных от одного источника.
// Samples хранит interleaved float32; после создания кадр не изменяется.
type Frame struct {
	Samples    []float32
	Frames     int
	SampleRate int
	Channels   int
	Source     SourceKind
	Timestamp  time.Time
}

// NewFrame создаёт кадр из interleaved сэмплов
func NewFrame(kind SourceKind, samples []float32, sampleRate, channels int, ts time.Time) Frame {
	if channels <= 0 {
		channels = 1
	}
	return Frame{
		Samples:    samples,
		Frames:     len(samples) / channels,
		SampleRate: sampleRate,
		Channels:   channels,
		Source:     kind,
		Timestamp:  ts,
	}
}

// Duration возвращает длительность кадра
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Frames) * time.Second / time.Duration(f.SampleRate)
}

// End возвращает момент окончания кадра
func (f Frame) End() time.Time {
	return f.Timestamp.Add(f.Duration())
}

// Channel извлекает один канал из interleaved данных
func (f Frame) Channel(ch int) []float32 {
	if f.Channels <= 1 {
		if ch == 0 {
			return f.Samples[:f.Frames]
		}
		return nil
	}
	if ch < 0 || ch >= f.Channels {
		return nil
	}
	out := make([]float32, f.Frames)
	for i := 0; i < f.Frames; i++ {
		out[i] = f.Samples[i*f.Channels+ch]
	}
	return out
}

// Mono сводит все каналы в моно (среднее)
func (f Frame) Mono() []float32 {
	if f.Channels <= 1 {
		return f.Samples[:f.Frames]
	}
	out := make([]float32, f.Frames)
	for i := 0; i < f.Frames; i++ {
		var sum float32
		for ch := 0; ch < f.Channels; ch++ {
			sum += f.Samples[i*f.Channels+ch]
		}
		out[i] = sum / float32(f.Channels)
	}
	return out
}

// decodeFloat32LE конвертирует little-endian float32 байты в сэмплы
func decodeFloat32LE(data []byte) []float32 {
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}
