package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"audiotoolkit/internal/apperr"
	"audiotoolkit/session"
)

// TranscribeFile распознаёт готовый WAV/MP3 файл целиком. Не связан с нарезкой и записью.
func (t *Toolkit) TranscribeFile(ctx context.Context, path, language string) (string, error) {
	const op = "transcribe file"
	if language == "" {
		language = t.defaultLang
	}
	if t.files == nil {
		return "", apperr.Errorf(apperr.KindRecognizerUnavailable, op, "no file recognizer configured")
	}

	samples, rate, err := session.ReadMono(path, recognitionSampleRate)
	if err != nil {
		t.metrics.RecordFileTranscription(false)
		return "", apperr.New(apperr.KindIO, op, fmt.Errorf("failed to read %s: %w", path, err))
	}

	start := time.Now()
	text, err := t.files.RecognizeSamples(ctx, samples, rate, language)
	if err != nil {
		t.metrics.RecordFileTranscription(false)
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.New(apperr.KindRecognizerUnavailable, op, err)
		}
		return "", err
	}
	t.metrics.RecordFileTranscription(true)

	log.Printf("Toolkit: transcribed %s (%.1fs audio) in %v", path, float64(len(samples))/float64(rate), time.Since(start))
	return text, nil
}
