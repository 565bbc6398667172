package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager управляет записями: каталог на запись, meta.json со списком сегментов
type Manager struct {
	recordings map[string]*Recording
	activeID   string
	dataDir    string
	mu         sync.RWMutex
}

// NewManager создаёт новый менеджер записей
func NewManager(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	m := &Manager{
		recordings: make(map[string]*Recording),
		dataDir:    dataDir,
	}

	// Загружаем существующие записи
	if err := m.LoadRecordings(); err != nil {
		// Не критично, просто логируем
		log.Printf("Warning: failed to load recordings: %v", err)
	}

	return m, nil
}

// DataDir возвращает корневой каталог данных
func (m *Manager) DataDir() string {
	return m.dataDir
}

// CreateRecording создаёт новую запись
func (m *Manager) CreateRecording(language string) (*Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID != "" {
		return nil, fmt.Errorf("recording already active: %s", m.activeID)
	}

	id := uuid.New().String()
	dir := filepath.Join(m.dataDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording dir: %w", err)
	}

	rec := &Recording{
		RecordingInfo: RecordingInfo{
			ID:          id,
			StartTime:   time.Now(),
			Status:      RecordingStatusRecording,
			Language:    language,
			Segments:    make([]Segment, 0),
			Transcripts: make(map[string]string),
		},
		DataDir: dir,
	}

	m.recordings[id] = rec
	m.activeID = id

	if err := m.saveMeta(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FinishRecording завершает активную запись
func (m *Manager) FinishRecording(status RecordingStatus) (*Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID == "" {
		return nil, fmt.Errorf("no active recording")
	}

	rec := m.recordings[m.activeID]
	now := time.Now()
	rec.mu.Lock()
	rec.EndTime = &now
	rec.Status = status
	rec.mu.Unlock()

	m.activeID = ""

	if err := m.saveMeta(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ActiveRecording возвращает текущую запись или nil
func (m *Manager) ActiveRecording() *Recording {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return nil
	}
	return m.recordings[m.activeID]
}

// GetRecording возвращает запись по ID
func (m *Manager) GetRecording(id string) (*Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.recordings[id]
	if !ok {
		return nil, fmt.Errorf("recording not found: %s", id)
	}
	return rec, nil
}

// ListRecordings возвращает все записи (новые первые)
func (m *Manager) ListRecordings() []*Recording {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*Recording, 0, len(m.recordings))
	for _, r := range m.recordings {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].StartTime.After(list[j].StartTime)
	})
	return list
}

// DeleteRecording удаляет запись и её файлы
func (m *Manager) DeleteRecording(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recordings[id]
	if !ok {
		return fmt.Errorf("recording not found: %s", id)
	}
	if m.activeID == id {
		return fmt.Errorf("cannot delete active recording")
	}
	if err := os.RemoveAll(rec.DataDir); err != nil {
		return fmt.Errorf("failed to delete recording files: %w", err)
	}
	delete(m.recordings, id)
	return nil
}

// AddSegment добавляет закрытый сегмент к активной записи
func (m *Manager) AddSegment(seg Segment) error {
	rec := m.ActiveRecording()
	if rec == nil {
		return fmt.Errorf("no active recording")
	}
	rec.mu.Lock()
	rec.Segments = append(rec.Segments, seg)
	rec.mu.Unlock()
	return m.saveMeta(rec)
}

// AppendTranscript дописывает дельту распознавания к тексту источника
func (m *Manager) AppendTranscript(source, delta string) {
	rec := m.ActiveRecording()
	if rec == nil {
		return
	}
	rec.mu.Lock()
	rec.Transcripts[source] += delta
	rec.mu.Unlock()
}

// LoadRecordings загружает записи с диска при старте
func (m *Manager) LoadRecordings() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.dataDir, entry.Name(), "meta.json"))
		if err != nil {
			continue
		}

		var info RecordingInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		if info.Status == RecordingStatusRecording {
			// Процесс завершился, не закрыв запись
			info.Status = RecordingStatusFailed
		}
		if info.Transcripts == nil {
			info.Transcripts = make(map[string]string)
		}
		// DataDir не сохраняется в JSON
		m.recordings[info.ID] = &Recording{
			RecordingInfo: info,
			DataDir:       filepath.Join(m.dataDir, entry.Name()),
		}
	}
	return nil
}

// Save сохраняет метаданные записи (включая накопленный текст)
func (m *Manager) Save(rec *Recording) error {
	return m.saveMeta(rec)
}

func (m *Manager) saveMeta(rec *Recording) error {
	data, err := json.MarshalIndent(rec.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rec.DataDir, "meta.json"), data, 0644)
}
