package service

import (
	"time"

	"audiotoolkit/audio"
)

// EventType тип события для клиентов
type EventType string

const (
	EventLoudness        EventType = "loudness"
	EventTranscriptDelta EventType = "transcript_delta"
	EventSegmentReady    EventType = "segment_ready"
)

// Event событие конвейера. Заполняются только поля, относящиеся к типу.
// DB сериализуется всегда: 0 dB - полная шкала, а не отсутствие значения.
type Event struct {
	Type   EventType        `json:"type"`
	Source audio.SourceKind `json:"-"`
	Name   string           `json:"source"`
	DB     float64          `json:"db"`
	Text   string           `json:"text,omitempty"`
	Path   string           `json:"path,omitempty"`
	At     time.Time        `json:"at"`
}

// EventSink получает события; вызывается из воркеров источников и не должен блокироваться
type EventSink func(Event)

func newEvent(t EventType, kind audio.SourceKind) Event {
	return Event{Type: t, Source: kind, Name: kind.String(), At: time.Now()}
}

func (s EventSink) emit(e Event) {
	if s != nil {
		s(e)
	}
}
