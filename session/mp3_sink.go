package session

import (
	"bufio"
	"fmt"
	"os"

	"github.com/braheezy/shine-mp3/pkg/mp3"
)

// mp3FrameSamples - семплов на канал в одном кадре MPEG Layer III
const mp3FrameSamples = 1152

// MP3Sink пишет сегмент в MP3 через shine (чистый Go).
// Семплы кодируются целыми кадрами; остаток ждёт следующего Write или Close.
type MP3Sink struct {
	file    *os.File
	out     *bufio.Writer
	encoder *mp3.Encoder
	block   int // семплов в кадре с учётом каналов

	pending []int16
	closed  bool
}

// NewMP3Sink создаёт файл сегмента.
// shine поддерживает 32/44.1/48 kHz (MPEG-1) и 16/22.05/24 kHz (MPEG-2).
func NewMP3Sink(path string, sampleRate, channels int) (*MP3Sink, error) {
	switch sampleRate {
	case 16000, 22050, 24000, 32000, 44100, 48000:
	default:
		return nil, fmt.Errorf("unsupported MP3 sample rate: %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("unsupported MP3 channel count: %d", channels)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create MP3 file: %w", err)
	}
	block := mp3FrameSamples * channels
	return &MP3Sink{
		file:    file,
		out:     bufio.NewWriter(file),
		encoder: mp3.NewEncoder(sampleRate, channels),
		block:   block,
		pending: make([]int16, 0, block*4),
	}, nil
}

// Write принимает interleaved float32 семплы
func (s *MP3Sink) Write(samples []float32) error {
	if s.closed {
		return fmt.Errorf("mp3 sink is closed")
	}
	for _, v := range samples {
		s.pending = append(s.pending, floatToPCM16(v))
	}

	whole := len(s.pending) / s.block * s.block
	if whole == 0 {
		return nil
	}
	s.encoder.Write(s.out, s.pending[:whole])
	rest := copy(s.pending, s.pending[whole:])
	s.pending = s.pending[:rest]
	return nil
}

// Close дополняет последний кадр тишиной и закрывает файл
func (s *MP3Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if n := len(s.pending); n > 0 {
		s.pending = append(s.pending, make([]int16, s.block-n)...)
		s.encoder.Write(s.out, s.pending)
		s.pending = nil
	}
	if err := s.out.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to flush MP3 file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close MP3 file: %w", err)
	}
	return nil
}
