package models

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// ProgressCallback функция обратного вызова для прогресса
type ProgressCallback func(modelID string, progress float64, status ModelStatus, err error)

// Manager менеджер моделей: проверка и докачка файлов в modelsDir/<id>/
type Manager struct {
	modelsDir  string
	mirror     string
	downloads  map[string]*download
	mu         sync.Mutex
	onProgress ProgressCallback
}

// download - одна загрузка модели; параллельные EnsureModel ждут её завершения
type download struct {
	done chan struct{}
	err  error
}

// NewManager создаёт новый менеджер моделей
func NewManager(modelsDir, mirror string) (*Manager, error) {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	return &Manager{
		modelsDir: modelsDir,
		mirror:    mirror,
		downloads: make(map[string]*download),
	}, nil
}

// SetProgressCallback устанавливает callback для прогресса
func (m *Manager) SetProgressCallback(cb ProgressCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = cb
}

// ModelDir возвращает каталог модели
func (m *Manager) ModelDir(modelID string) string {
	return filepath.Join(m.modelsDir, modelID)
}

// IsModelDownloaded проверяет, что все файлы модели на месте и не пустые
func (m *Manager) IsModelDownloaded(modelID string) bool {
	info := GetModelByID(modelID)
	if info == nil {
		return false
	}
	for _, f := range info.Files() {
		stat, err := os.Stat(filepath.Join(m.ModelDir(modelID), f))
		if err != nil || stat.Size() == 0 {
			return false
		}
	}
	return true
}

// Status возвращает статус модели
func (m *Manager) Status(modelID string) ModelStatus {
	m.mu.Lock()
	_, busy := m.downloads[modelID]
	m.mu.Unlock()
	if busy {
		return ModelStatusDownloading
	}
	if m.IsModelDownloaded(modelID) {
		return ModelStatusDownloaded
	}
	return ModelStatusNotDownloaded
}

// EnsureModel докачивает недостающие файлы и возвращает каталог модели
func (m *Manager) EnsureModel(ctx context.Context, modelID string) (string, error) {
	info := GetModelByID(modelID)
	if info == nil {
		return "", fmt.Errorf("unknown model: %s", modelID)
	}
	if m.IsModelDownloaded(modelID) {
		return m.ModelDir(modelID), nil
	}

	m.mu.Lock()
	if d, ok := m.downloads[modelID]; ok {
		m.mu.Unlock()
		select {
		case <-d.done:
			return m.ModelDir(modelID), d.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	d := &download{done: make(chan struct{})}
	m.downloads[modelID] = d
	m.mu.Unlock()

	d.err = m.downloadModel(ctx, info)

	m.mu.Lock()
	delete(m.downloads, modelID)
	m.mu.Unlock()
	close(d.done)

	if d.err != nil {
		m.notifyProgress(modelID, 0, ModelStatusError, d.err)
		return "", d.err
	}
	m.notifyProgress(modelID, 100, ModelStatusDownloaded, nil)
	return m.ModelDir(modelID), nil
}

func (m *Manager) downloadModel(ctx context.Context, info *ModelInfo) error {
	dir := m.ModelDir(info.ID)
	files := info.Files()
	log.Printf("Downloading model %s to %s", info.ID, dir)

	for i, name := range files {
		dest := filepath.Join(dir, name)
		if stat, err := os.Stat(dest); err == nil && stat.Size() > 0 {
			continue
		}

		// Общий прогресс = (завершённые файлы + текущий прогресс) / всего файлов
		fileProgress := func(p float64) {
			total := (float64(i) + p/100) / float64(len(files)) * 100
			m.notifyProgress(info.ID, total, ModelStatusDownloading, nil)
		}

		log.Printf("Downloading [%d/%d]: %s", i+1, len(files), name)
		if err := DownloadFile(ctx, FileURL(m.mirror, info.Repo, name), dest, fileProgress); err != nil {
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
	}

	log.Printf("Model downloaded successfully: %s", info.ID)
	return nil
}

// DeleteModel удаляет файлы модели
func (m *Manager) DeleteModel(modelID string) error {
	m.mu.Lock()
	_, busy := m.downloads[modelID]
	m.mu.Unlock()
	if busy {
		return fmt.Errorf("model is downloading: %s", modelID)
	}
	if err := os.RemoveAll(m.ModelDir(modelID)); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	return nil
}

func (m *Manager) notifyProgress(modelID string, progress float64, status ModelStatus, err error) {
	m.mu.Lock()
	cb := m.onProgress
	m.mu.Unlock()
	if cb != nil {
		cb(modelID, progress, status, err)
	}
}
