package api

import (
	"time"

	"audiotoolkit/audio"
	"audiotoolkit/internal/apperr"
	"audiotoolkit/internal/service"
	"audiotoolkit/session"
)

// Типы управляющих сообщений
const (
	TypeInitCapture    = "init_capture"
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypeStartMic       = "start_mic"
	TypeStopMic        = "stop_mic"
	TypeStartSystem    = "start_system"
	TypeStopSystem     = "stop_system"
	TypeTranscribeFile = "transcribe_file"
	TypeGetStatus      = "get_status"
	TypeGetDevices     = "get_devices"
	TypeListRecordings = "list_recordings"

	// TypeError - ответ на сообщение, которое не удалось разобрать
	TypeError = "error"
)

// Message - сообщение WebSocket / gRPC канала: команда, ответ или событие
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// Параметры команд
	Language string `json:"language,omitempty"`
	Path     string `json:"path,omitempty"`

	// Ответы: result "true" / "false"
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Text         string `json:"text,omitempty"`

	Status     *service.Status         `json:"status,omitempty"`
	Devices    []audio.AudioDevice     `json:"devices,omitempty"`
	Recordings []session.RecordingInfo `json:"recordings,omitempty"`

	// События
	Source string     `json:"source,omitempty"`
	DB     *float64   `json:"db,omitempty"`
	At     *time.Time `json:"at,omitempty"`
}

// okResponse - успешный ответ на команду
func okResponse(req Message) Message {
	return Message{Type: req.Type, RequestID: req.RequestID, Result: "true"}
}

// errorResponse - ответ с классом ошибки
func errorResponse(req Message, err error) Message {
	return Message{
		Type:         req.Type,
		RequestID:    req.RequestID,
		Result:       "false",
		ErrorMessage: err.Error(),
		Kind:         string(apperr.KindOf(err)),
	}
}

// eventMessage переводит событие конвейера в сообщение для клиентов
func eventMessage(e service.Event) Message {
	at := e.At
	msg := Message{
		Type:   string(e.Type),
		Source: e.Name,
		At:     &at,
	}
	switch e.Type {
	case service.EventLoudness:
		db := e.DB
		msg.DB = &db
	case service.EventTranscriptDelta:
		msg.Text = e.Text
	case service.EventSegmentReady:
		msg.Path = e.Path
	}
	return msg
}
