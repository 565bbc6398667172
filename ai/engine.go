// Package ai предоставляет интерфейсы и реализации потокового распознавания речи
package ai

import (
	"context"
	"strings"
	"time"
)

// Transcript - обновление распознавания.
// Text всегда содержит полный накопленный текст сессии, а не только последний фрагмент.
type Transcript struct {
	Text       string
	IsFinal    bool // текст подтверждён (конец фразы или завершение потока)
	Confidence float32
	Timestamp  time.Time
}

// StreamConfig параметры потоковой сессии
type StreamConfig struct {
	Language   string // BCP-47, например "vi-VN"
	SampleRate int    // частота входных семплов
}

// Recognizer - движок потокового распознавания
type Recognizer interface {
	// Name возвращает имя движка (для логирования)
	Name() string
	// Supports проверяет поддержку языка
	Supports(language string) bool
	// NewStream открывает потоковую сессию
	NewStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream - одна сессия распознавания
type Stream interface {
	// Feed передаёт моно семплы; не должен надолго блокироваться
	Feed(samples []float32, sampleRate int) error
	// Results отдаёт обновления; канал закрывается после финального результата или ошибки
	Results() <-chan Transcript
	// Err возвращает ошибку, завершившую поток (после закрытия Results)
	Err() error
	// Finish сообщает о конце аудио и ждёт финальный результат (ограничено ctx)
	Finish(ctx context.Context) error
	// Close освобождает ресурсы; безопасен для повторного вызова
	Close() error
}

// FileRecognizer распознаёт готовый буфер целиком
type FileRecognizer interface {
	RecognizeSamples(ctx context.Context, samples []float32, sampleRate int, language string) (string, error)
}

// EngineType тип движка распознавания
type EngineType string

const (
	EngineTypeSherpa   EngineType = "sherpa"   // sherpa-onnx (локально)
	EngineTypeDeepgram EngineType = "deepgram" // Deepgram streaming API
	EngineTypeProcess  EngineType = "process"  // внешний процесс (JSON lines)
)

// accumulator собирает полный текст: подтверждённые фразы + текущая гипотеза
type accumulator struct {
	committed string
	partial   string
}

// update применяет гипотезу текущей фразы; final переносит её в подтверждённый текст
func (a *accumulator) update(text string, final bool) string {
	text = strings.TrimSpace(text)
	if final {
		a.committed = joinText(a.committed, text)
		a.partial = ""
		return a.committed
	}
	a.partial = text
	return joinText(a.committed, a.partial)
}

func (a *accumulator) text() string {
	return joinText(a.committed, a.partial)
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}
