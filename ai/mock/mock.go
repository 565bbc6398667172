// Package mock содержит управляемые тестом реализации ai.Recognizer и ai.Stream
package mock

import (
	"context"
	"sync"
	"time"

	"audiotoolkit/ai"
	"audiotoolkit/models"
)

// Recognizer создаёт mock сессии и запоминает их для теста
type Recognizer struct {
	// Languages - поддерживаемые языки; пусто - любой
	Languages []string
	// NewStreamErr возвращается из NewStream
	NewStreamErr error
	// Script - полные тексты, выдаваемые по одному на каждый Feed
	Script []string
	// FinalText выдаётся при Finish, если не пустой
	FinalText string
	// FileText возвращается из RecognizeSamples
	FileText string
	// FileErr возвращается из RecognizeSamples
	FileErr error

	mu      sync.Mutex
	streams []*Stream
	files   int
}

func (r *Recognizer) Name() string { return "mock" }

func (r *Recognizer) Supports(language string) bool {
	return models.MatchLanguage(r.Languages, language)
}

func (r *Recognizer) NewStream(ctx context.Context, cfg ai.StreamConfig) (ai.Stream, error) {
	if r.NewStreamErr != nil {
		return nil, r.NewStreamErr
	}
	s := &Stream{
		Config:  cfg,
		script:  append([]string(nil), r.Script...),
		final:   r.FinalText,
		results: make(chan ai.Transcript, 256),
	}
	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	return s, nil
}

func (r *Recognizer) RecognizeSamples(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	r.mu.Lock()
	r.files++
	r.mu.Unlock()
	if r.FileErr != nil {
		return "", r.FileErr
	}
	return r.FileText, nil
}

// Streams возвращает все открытые сессии в порядке создания
func (r *Recognizer) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Stream(nil), r.streams...)
}

// FileCalls - число вызовов RecognizeSamples
func (r *Recognizer) FileCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files
}

// Stream - сессия, результаты которой задаёт тест
type Stream struct {
	Config ai.StreamConfig

	mu       sync.Mutex
	script   []string
	final    string
	results  chan ai.Transcript
	done     bool
	fed      int
	feeds    int
	finished bool
	closed   bool
}

// Emit публикует полный текст; false после завершения сессии
func (s *Stream) Emit(text string, final bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(text, final)
}

func (s *Stream) emitLocked(text string, final bool) bool {
	if s.done {
		return false
	}
	select {
	case s.results <- ai.Transcript{Text: text, IsFinal: final, Timestamp: time.Now()}:
		return true
	default:
		return false
	}
}

func (s *Stream) Feed(samples []float32, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ai.ErrStreamClosed
	}
	s.fed += len(samples)
	s.feeds++
	if len(s.script) > 0 {
		s.emitLocked(s.script[0], false)
		s.script = s.script[1:]
	}
	return nil
}

func (s *Stream) Results() <-chan ai.Transcript { return s.results }

func (s *Stream) Err() error { return nil }

func (s *Stream) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if s.final != "" {
		s.emitLocked(s.final, true)
	}
	s.finished = true
	s.done = true
	close(s.results)
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if !s.done {
		s.done = true
		close(s.results)
	}
	return nil
}

// Fed возвращает число принятых семплов и вызовов Feed
func (s *Stream) Fed() (samples, calls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fed, s.feeds
}

// Finished сообщает, вызывался ли Finish
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Closed сообщает, вызывался ли Close
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
