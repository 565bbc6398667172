// Package mock содержит тестовые реализации audio.Source и audio.Backend.
//
// Source не захватывает звук: тест сам подаёт кадры через Push, как если бы
// их отдал callback устройства.
package mock

import (
	"context"
	"fmt"
	"sync"

	"audiotoolkit/audio"
)

// Source - управляемый тестом источник захвата
type Source struct {
	SourceKind audio.SourceKind

	// PermissionErr возвращается из RequestPermission
	PermissionErr error
	// OpenErr возвращается из Open
	OpenErr error

	mu         sync.Mutex
	handler    audio.Handler
	openCalls  int
	closeCalls int
}

// NewSource создаёт источник заданного вида
func NewSource(kind audio.SourceKind) *Source {
	return &Source{SourceKind: kind}
}

func (s *Source) Kind() audio.SourceKind { return s.SourceKind }

func (s *Source) RequestPermission(ctx context.Context) error {
	return s.PermissionErr
}

func (s *Source) Open(ctx context.Context, handler audio.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCalls++
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.handler = handler
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.handler = nil
	return nil
}

// Push доставляет кадр в handler; false, если tap не открыт
func (s *Source) Push(frame audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return false
	}
	frame.Source = s.SourceKind
	s.handler(frame)
	return true
}

// IsOpen сообщает, установлен ли tap
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

// Calls возвращает количество вызовов Open и Close
func (s *Source) Calls() (open, close int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCalls, s.closeCalls
}

var _ audio.Source = (*Source)(nil)

// Backend - тестовый backend с фиксированным набором источников
type Backend struct {
	InitErr    error
	DeviceList []audio.AudioDevice

	Mic    *Source
	System *Source

	mu          sync.Mutex
	initialized bool
	closed      bool
}

// NewBackend создаёт backend с источниками mic и system
func NewBackend() *Backend {
	return &Backend{
		Mic:    NewSource(audio.SourceMic),
		System: NewSource(audio.SourceSystem),
		DeviceList: []audio.AudioDevice{
			{ID: "mock-mic", Name: "Mock Microphone", IsInput: true},
			{ID: "mock-out", Name: "Mock Output", IsOutput: true},
		},
	}
}

func (b *Backend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.InitErr != nil {
		return b.InitErr
	}
	b.initialized = true
	return nil
}

func (b *Backend) Source(kind audio.SourceKind) (audio.Source, error) {
	switch kind {
	case audio.SourceMic:
		return b.Mic, nil
	case audio.SourceSystem:
		return b.System, nil
	}
	return nil, fmt.Errorf("unknown source kind: %v", kind)
}

func (b *Backend) Devices() ([]audio.AudioDevice, error) {
	return b.DeviceList, nil
}

func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Initialized сообщает, вызывался ли Init успешно
func (b *Backend) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

var _ audio.Backend = (*Backend)(nil)
