package session

import (
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVWriter потоковый писатель WAV (PCM16) поверх go-audio/wav
type WAVWriter struct {
	file    *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
	closed  bool
	mu      sync.Mutex
}

// NewWAVWriter создаёт файл; заголовок дописывается в Close
func NewWAVWriter(filePath string, sampleRate, channels int) (*WAVWriter, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	return &WAVWriter{
		file:    file,
		encoder: wav.NewEncoder(file, sampleRate, 16, channels, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Write конвертирует interleaved float32 в PCM16
func (w *WAVWriter) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	data := w.buf.Data[:0]
	for _, s := range samples {
		data = append(data, int(floatToPCM16(s)))
	}
	w.buf.Data = data

	if err := w.encoder.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	return nil
}

func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	encErr := w.encoder.Close()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if encErr != nil {
		return fmt.Errorf("failed to finalize WAV header: %w", encErr)
	}
	return nil
}

// floatToPCM16 с ограничением [-1, 1]
func floatToPCM16(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	return int16(s * 32767)
}
