// Package service связывает захват, нарезку на фразы и распознавание в операции toolkit'а
package service

import (
	"context"
	"log"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"audiotoolkit/ai"
	"audiotoolkit/audio"
	"audiotoolkit/internal/apperr"
	"audiotoolkit/internal/metrics"
	"audiotoolkit/session"
)

// Options зависимости Toolkit
type Options struct {
	Backend        audio.Backend
	Recognizer     ai.Recognizer     // nil - запись и нарезка без распознавания
	FileRecognizer ai.FileRecognizer // nil - используется Recognizer, если он умеет файлы
	Recordings     *session.Manager
	Sources        map[audio.SourceKind]SourceConfig
	// RecognitionQueue - ёмкость очереди кадров сессии распознавания
	RecognitionQueue int
	DefaultLanguage  string
	// SegmentsDir - корень для файлов сегментов (<dir>/<id записи>); пусто - каталог записи
	SegmentsDir string
	Sinks       session.SinkFactory
	Metrics     *metrics.Metrics
}

// SourceStatus состояние одного источника
type SourceStatus struct {
	Active      bool `json:"active"`
	Recording   bool `json:"recording"`
	Recognition bool `json:"recognition"`
}

// Status состояние toolkit'а
type Status struct {
	Initialized bool         `json:"initialized"`
	Recording   bool         `json:"recording"`
	RecordingID string       `json:"recordingId,omitempty"`
	Language    string       `json:"language,omitempty"`
	Mic         SourceStatus `json:"mic"`
	System      SourceStatus `json:"system"`
}

// Toolkit - граница: операции initCapture/startRecording/... и события
type Toolkit struct {
	backend     audio.Backend
	files       ai.FileRecognizer
	recordings  *session.Manager
	metrics     *metrics.Metrics
	recognizer  ai.Recognizer
	defaultLang string
	segmentsDir string

	controllers map[audio.SourceKind]*SourceController
	recognition map[audio.SourceKind]*RecognitionManager

	mu          sync.Mutex // сериализует операции границы
	initialized bool
	recording   *session.Recording
	language    string

	subMu       sync.RWMutex
	subscribers map[int]EventSink
	nextSub     int
}

// New собирает Toolkit из зависимостей
func New(opts Options) *Toolkit {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = session.DefaultLanguage
	}
	files := opts.FileRecognizer
	if files == nil {
		if fr, ok := opts.Recognizer.(ai.FileRecognizer); ok {
			files = fr
		}
	}

	t := &Toolkit{
		backend:     opts.Backend,
		files:       files,
		recordings:  opts.Recordings,
		metrics:     opts.Metrics,
		recognizer:  opts.Recognizer,
		defaultLang: opts.DefaultLanguage,
		segmentsDir: opts.SegmentsDir,
		controllers: make(map[audio.SourceKind]*SourceController),
		recognition: make(map[audio.SourceKind]*RecognitionManager),
		subscribers: make(map[int]EventSink),
	}

	for _, kind := range audio.Kinds {
		cfg, ok := opts.Sources[kind]
		if !ok {
			cfg = SourceConfig{
				Threshold: session.DefaultThresholdConfig(),
				Segmenter: session.DefaultSegmenterConfig(),
				Format:    session.FormatWAV,
			}
		}
		var recog *RecognitionManager
		if opts.Recognizer != nil {
			recog = NewRecognitionManager(kind, opts.Recognizer, opts.RecognitionQueue, t.dispatch, opts.Metrics)
			t.recognition[kind] = recog
		}
		t.controllers[kind] = NewSourceController(kind, opts.Backend, cfg, recog, opts.Sinks, t.dispatch, t.addSegment, opts.Metrics)
	}
	return t
}

// Subscribe регистрирует получателя событий; возвращает функцию отписки
func (t *Toolkit) Subscribe(sink EventSink) func() {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subscribers[id] = sink
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subscribers, id)
		t.subMu.Unlock()
	}
}

// dispatch рассылает событие подписчикам и копит текст распознавания в записи
func (t *Toolkit) dispatch(e Event) {
	if e.Type == EventTranscriptDelta && t.recordings != nil {
		t.recordings.AppendTranscript(e.Name, e.Text)
	}
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for _, sink := range t.subscribers {
		sink(e)
	}
}

func (t *Toolkit) addSegment(seg session.Segment) {
	if t.recordings == nil {
		return
	}
	if err := t.recordings.AddSegment(seg); err != nil {
		log.Printf("Toolkit: failed to register segment %s: %v", seg.Path, err)
	}
}

// InitCapture инициализирует backend захвата; нужен для системного звука
func (t *Toolkit) InitCapture(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.backend.Init(ctx); err != nil {
		return err
	}
	t.initialized = true
	log.Printf("Toolkit: capture initialized")
	return nil
}

// StartMicCapture открывает микрофон (backend инициализируется при необходимости)
func (t *Toolkit) StartMicCapture(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		if err := t.backend.Init(ctx); err != nil {
			return err
		}
	}
	return t.startSourceLocked(ctx, audio.SourceMic)
}

// StopMicCapture закрывает микрофон
func (t *Toolkit) StopMicCapture(ctx context.Context) error {
	return t.stopSource(ctx, audio.SourceMic)
}

// StartSystemCapture открывает системный звук; требует InitCapture
func (t *Toolkit) StartSystemCapture(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		return apperr.Errorf(apperr.KindNotInitialized, "start system capture", "capture is not initialized, call init_capture first")
	}
	return t.startSourceLocked(ctx, audio.SourceSystem)
}

// StopSystemCapture закрывает системный звук
func (t *Toolkit) StopSystemCapture(ctx context.Context) error {
	return t.stopSource(ctx, audio.SourceSystem)
}

// startSourceLocked запускает источник; при активной записи источник присоединяется к ней.
// Если сессия распознавания не открылась, запуск отменяется.
func (t *Toolkit) startSourceLocked(ctx context.Context, kind audio.SourceKind) error {
	c := t.controllers[kind]
	if c.Active() {
		return nil
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	if t.recording == nil {
		return nil
	}
	if err := c.BeginRecording(ctx, t.language, t.segmentDir(t.recording)); err != nil {
		if _, stopErr := c.Stop(ctx); stopErr != nil {
			log.Printf("Toolkit: failed to roll back %s start: %v", kind, stopErr)
		}
		return err
	}
	return nil
}

// segmentDir - каталог файлов сегментов записи
func (t *Toolkit) segmentDir(rec *session.Recording) string {
	if t.segmentsDir == "" {
		return rec.DataDir
	}
	return filepath.Join(t.segmentsDir, rec.ID)
}

func (t *Toolkit) stopSource(ctx context.Context, kind audio.SourceKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.controllers[kind].Stop(ctx)
	return err
}

// Devices возвращает список устройств backend'а
func (t *Toolkit) Devices() ([]audio.AudioDevice, error) {
	return t.backend.Devices()
}

// Status возвращает текущее состояние
func (t *Toolkit) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{
		Initialized: t.initialized,
		Recording:   t.recording != nil,
		Language:    t.language,
		Mic:         t.sourceStatus(audio.SourceMic),
		System:      t.sourceStatus(audio.SourceSystem),
	}
	if t.recording != nil {
		st.RecordingID = t.recording.ID
	}
	return st
}

func (t *Toolkit) sourceStatus(kind audio.SourceKind) SourceStatus {
	c := t.controllers[kind]
	st := SourceStatus{Active: c.Active(), Recording: c.Recording()}
	if r := t.recognition[kind]; r != nil {
		st.Recognition = r.Active()
	}
	return st
}

// Recordings возвращает сохранённые записи, новые первыми
func (t *Toolkit) Recordings() []session.RecordingInfo {
	if t.recordings == nil {
		return nil
	}
	list := t.recordings.ListRecordings()
	out := make([]session.RecordingInfo, 0, len(list))
	for _, rec := range list {
		out = append(out, rec.Snapshot())
	}
	return out
}

// Close завершает запись и останавливает оба источника параллельно
func (t *Toolkit) Close(ctx context.Context) error {
	if _, err := t.StopRecording(ctx); err != nil {
		log.Printf("Toolkit: failed to stop recording on close: %v", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range audio.Kinds {
		c := t.controllers[kind]
		g.Go(func() error {
			_, err := c.Stop(gctx)
			return err
		})
	}
	err := g.Wait()
	t.backend.Close()
	t.initialized = false
	return err
}
