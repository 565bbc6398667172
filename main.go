package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"audiotoolkit/ai"
	"audiotoolkit/audio"
	"audiotoolkit/internal/api"
	"audiotoolkit/internal/config"
	"audiotoolkit/internal/metrics"
	"audiotoolkit/internal/service"
	"audiotoolkit/models"
	"audiotoolkit/session"
)

// shutdownTimeout - время на закрытие сегментов и финальные результаты распознавания
const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.File != "" {
		f, err := setupLogFile(cfg.Log.File)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
	}

	log.Println("audiotoolkit backend starting...")
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("Models directory: %s", cfg.Recognition.ModelsDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recordings, err := session.NewManager(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to init recordings manager: %v", err)
	}
	if err := recordings.LoadRecordings(); err != nil {
		log.Printf("Warning: failed to load recordings: %v", err)
	}

	recognizer, closeRecognizer, err := newRecognizer(ctx, cfg)
	if err != nil {
		// без распознавателя захват и нарезка работают, запись вернёт RecognizerUnavailable
		log.Printf("Warning: recognizer unavailable: %v", err)
	}
	defer closeRecognizer()

	format, err := session.ParseFormat(cfg.Segments.Format)
	if err != nil {
		log.Fatalf("Invalid segment format: %v", err)
	}
	sources := make(map[audio.SourceKind]service.SourceConfig)
	for _, kind := range audio.Kinds {
		seg := cfg.SegmentsFor(kind)
		sources[kind] = service.SourceConfig{
			Threshold:      seg.Threshold,
			Segmenter:      seg.Segmenter,
			Format:         format,
			QueueSize:      cfg.Capture.QueueSize,
			LevelSmoothing: cfg.Segments.LevelSmoothing,
		}
	}

	m := metrics.NewMetrics()
	opts := service.Options{
		Backend:          audio.NewCapture(cfg.CaptureSettings()),
		Recordings:       recordings,
		Sources:          sources,
		RecognitionQueue: cfg.Recognition.QueueSize,
		DefaultLanguage:  cfg.Language,
		SegmentsDir:      cfg.Segments.Dir,
		Metrics:          m,
	}
	if recognizer != nil {
		opts.Recognizer = recognizer
	}
	toolkit := service.New(opts)

	server := api.NewServer(cfg.Server, toolkit, m)
	if err := server.Run(ctx); err != nil {
		log.Printf("Server error: %v", err)
	}

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := toolkit.Close(shutdownCtx); err != nil {
		log.Printf("Failed to stop capture: %v", err)
	}
}

// setupLogFile дублирует лог в файл
func setupLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// newRecognizer создаёт движок распознавания по конфигурации; close безопасно вызывать всегда
func newRecognizer(ctx context.Context, cfg *config.Config) (ai.Recognizer, func(), error) {
	noop := func() {}
	rc := cfg.Recognition

	switch ai.EngineType(strings.ToLower(rc.Engine)) {
	case ai.EngineTypeSherpa:
		info := models.GetModelByID(rc.ModelID)
		if info == nil {
			return nil, noop, fmt.Errorf("unknown model: %s", rc.ModelID)
		}
		modelMgr, err := models.NewManager(rc.ModelsDir, rc.Mirror)
		if err != nil {
			return nil, noop, err
		}
		modelMgr.SetProgressCallback(func(modelID string, progress float64, status models.ModelStatus, err error) {
			if err != nil {
				log.Printf("Model %s: %s (%v)", modelID, status, err)
				return
			}
			log.Printf("Model %s: %s %.0f%%", modelID, status, progress)
		})

		dir := modelMgr.ModelDir(rc.ModelID)
		if !modelMgr.IsModelDownloaded(rc.ModelID) {
			if !rc.AutoDownload {
				return nil, noop, fmt.Errorf("model %s is not downloaded (auto_download is off)", rc.ModelID)
			}
			log.Printf("Downloading model %s...", rc.ModelID)
			if dir, err = modelMgr.EnsureModel(ctx, rc.ModelID); err != nil {
				return nil, noop, fmt.Errorf("failed to download model %s: %w", rc.ModelID, err)
			}
		}

		sc := ai.SherpaConfigFromModel(dir, *info)
		sc.NumThreads = rc.NumThreads
		sc.Provider = rc.Provider
		r, err := ai.NewSherpaRecognizer(sc)
		if err != nil {
			return nil, noop, err
		}
		log.Printf("Sherpa recognizer loaded (model=%s)", rc.ModelID)
		return r, r.Close, nil

	case ai.EngineTypeDeepgram:
		r, err := ai.NewDeepgramRecognizer(rc.Deepgram.APIKey, ai.WithDeepgramModel(rc.Deepgram.Model))
		if err != nil {
			return nil, noop, err
		}
		return r, noop, nil

	case ai.EngineTypeProcess:
		r, err := ai.NewProcessRecognizer(ai.ProcessConfig{
			Path:          rc.Process.Path,
			Args:          rc.Process.Args,
			ModelCacheDir: rc.ModelsDir,
		})
		if err != nil {
			return nil, noop, err
		}
		return r, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown engine: %s", rc.Engine)
}
