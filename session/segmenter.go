package session

import (
	"time"

	"audiotoolkit/audio"
)

// Decision - действие с файлом сегмента для текущего кадра
type Decision int

const (
	// DecisionIdle - тишина вне фразы, ничего не пишем
	DecisionIdle Decision = iota
	// DecisionStart - начало фразы: открыть файл (если нет) и записать кадр
	DecisionStart
	// DecisionAppend - кадр принадлежит фразе (речь или короткая пауза)
	DecisionAppend
	// DecisionRotate - фраза закончилась: закрыть файл, сообщить, открыть новый
	DecisionRotate
	// DecisionDiscard - фраза слишком короткая: закрыть и удалить файл
	DecisionDiscard
)

func (d Decision) String() string {
	switch d {
	case DecisionIdle:
		return "idle"
	case DecisionStart:
		return "start"
	case DecisionAppend:
		return "append"
	case DecisionRotate:
		return "rotate"
	case DecisionDiscard:
		return "discard"
	}
	return "unknown"
}

// Writes сообщает, нужно ли записать текущий кадр в сегмент
func (d Decision) Writes() bool {
	return d == DecisionStart || d == DecisionAppend
}

// SegmentState - состояние нарезки одного источника.
// Вне речи (Speaking == false) оба счётчика равны нулю.
type SegmentState struct {
	Speaking       bool
	SegmentStart   time.Time
	LastVoice      time.Time // конец последнего кадра выше порога
	SpeakingFrames int
	SilenceFrames  int
	Silence        time.Duration
}

// Segmenter - конечный автомат Silent/Speaking по уровням кадров
type Segmenter struct {
	cfg   SegmenterConfig
	state SegmentState
}

// NewSegmenter создаёт сегментатор в состоянии Silent
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg}
}

// Process классифицирует кадр (речь - db строго выше threshold) и возвращает решение для ротатора.
// Кадр, на котором фраза закрывается (Rotate/Discard), в неё не записывается.
func (s *Segmenter) Process(db, threshold float64, frame audio.Frame) Decision {
	voice := db > threshold

	if !s.state.Speaking {
		if !voice {
			return DecisionIdle
		}
		s.state = SegmentState{
			Speaking:       true,
			SegmentStart:   frame.Timestamp,
			LastVoice:      frame.End(),
			SpeakingFrames: 1,
		}
		return DecisionStart
	}

	if voice {
		s.state.SpeakingFrames++
		s.state.SilenceFrames = 0
		s.state.Silence = 0
		s.state.LastVoice = frame.End()
		return DecisionAppend
	}

	s.state.SilenceFrames++
	s.state.Silence += frame.Duration()
	if s.state.Silence < s.cfg.MaxSilence {
		return DecisionAppend
	}

	speaking := s.state.LastVoice.Sub(s.state.SegmentStart)
	s.Reset()
	if speaking >= s.cfg.MinSpeaking || s.cfg.ShortSegments == ShortSegmentsKeep {
		return DecisionRotate
	}
	return DecisionDiscard
}

// State возвращает копию текущего состояния
func (s *Segmenter) State() SegmentState {
	return s.state
}

// Reset переводит автомат в Silent с нулевыми счётчиками. Файл не трогает.
func (s *Segmenter) Reset() {
	s.state = SegmentState{}
}
