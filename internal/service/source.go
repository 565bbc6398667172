package service

import (
	"context"
	"log"
	"sync"

	"audiotoolkit/audio"
	"audiotoolkit/internal/apperr"
	"audiotoolkit/internal/metrics"
	"audiotoolkit/session"
)

// SourceConfig настройки конвейера одного источника
type SourceConfig struct {
	Threshold      session.ThresholdConfig
	Segmenter      session.SegmenterConfig
	Format         session.Format
	QueueSize      int     // ёмкость очереди кадров
	LevelSmoothing float64 // коэффициент сглаживания уровня для событий; 0 - без сглаживания
}

// sourceState - состояние конвейера; трогает только воркер источника
type sourceState struct {
	threshold session.ThresholdPolicy
	segmenter *session.Segmenter
	rotator   *session.Rotator
	smoother  *session.Smoother
	recording bool
	lastPath  string // последний сегмент текущей записи
}

func (st *sourceState) reset() {
	st.threshold.Reset()
	st.segmenter.Reset()
	if st.smoother != nil {
		st.smoother.Reset()
	}
	st.recording = false
	st.lastPath = ""
}

// SourceController управляет захватом одного источника: Idle -> Active -> Idle.
// Кадры обрабатывает один воркер; управляющие операции передаются ему замыканиями.
type SourceController struct {
	kind      audio.SourceKind
	backend   audio.Backend
	cfg       SourceConfig
	recog     *RecognitionManager
	emit      EventSink
	metrics   *metrics.Metrics
	onSegment func(session.Segment)

	mu         sync.Mutex // сериализует Start/Stop/BeginRecording/EndRecording
	src        audio.Source
	control    chan func()
	workerDone chan struct{}
	recording  bool

	qmu    sync.RWMutex
	frames chan audio.Frame

	state *sourceState
}

// NewSourceController создаёт контроллер; sinks == nil - файлы WAV/MP3 на диске
func NewSourceController(kind audio.SourceKind, backend audio.Backend, cfg SourceConfig, recog *RecognitionManager,
	sinks session.SinkFactory, emit EventSink, onSegment func(session.Segment), m *metrics.Metrics) *SourceController {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	st := &sourceState{
		threshold: session.NewThresholdPolicy(cfg.Threshold),
		segmenter: session.NewSegmenter(cfg.Segmenter),
		rotator: session.NewRotator(session.RotatorConfig{
			Suffix: kind.String(),
			Format: cfg.Format,
			Source: kind,
		}, sinks),
	}
	if cfg.LevelSmoothing > 0 {
		st.smoother = session.NewSmoother(cfg.LevelSmoothing)
	}
	return &SourceController{
		kind:      kind,
		backend:   backend,
		cfg:       cfg,
		recog:     recog,
		emit:      emit,
		metrics:   m,
		onSegment: onSegment,
		state:     st,
	}
}

// Kind возвращает вид источника
func (c *SourceController) Kind() audio.SourceKind { return c.kind }

// Active сообщает, открыт ли захват
func (c *SourceController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.src != nil
}

// Recording сообщает, пишутся ли сегменты и идёт ли распознавание
func (c *SourceController) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Start открывает захват и запускает воркер. Повторный вызов при активном захвате - успех без изменений.
func (c *SourceController) Start(ctx context.Context) error {
	const op = "source.start"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.src != nil {
		return nil
	}

	src, err := c.backend.Source(c.kind)
	if err != nil {
		return err
	}
	if err := src.RequestPermission(ctx); err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.New(apperr.KindPermissionDenied, op, err)
		}
		return err
	}

	frames := make(chan audio.Frame, c.cfg.QueueSize)
	c.control = make(chan func())
	c.workerDone = make(chan struct{})
	c.qmu.Lock()
	c.frames = frames
	c.qmu.Unlock()
	go c.run(frames, c.control, c.workerDone)

	if err := src.Open(ctx, c.onFrame); err != nil {
		c.stopWorker()
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.New(apperr.KindDeviceUnavailable, op, err)
		}
		return err
	}
	c.src = src

	c.metrics.SetActive(c.kind.String(), true)
	log.Printf("SourceController[%s]: started", c.kind)
	return nil
}

// Stop закрывает захват, дожидается обработки очереди, закрывает текущий сегмент и сбрасывает состояние.
// Остановка неактивного источника - успех.
func (c *SourceController) Stop(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.src == nil {
		return "", nil
	}
	if err := c.src.Close(); err != nil {
		log.Printf("SourceController[%s]: failed to close capture: %v", c.kind, err)
	}
	c.src = nil
	c.stopWorker()

	path := c.endRecordingLocked(ctx)
	c.state.reset()

	c.metrics.SetActive(c.kind.String(), false)
	log.Printf("SourceController[%s]: stopped", c.kind)
	return path, nil
}

// BeginRecording включает запись сегментов и открывает сессию распознавания.
// Ошибка открытия сессии отменяет запуск записи.
func (c *SourceController) BeginRecording(ctx context.Context, language, dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording {
		return nil
	}
	if c.recog != nil {
		if err := c.recog.Start(ctx, language); err != nil {
			return err
		}
	}

	c.do(func() {
		c.state.reset()
		c.state.rotator.SetDir(dir)
		c.state.recording = true
	})
	c.recording = true
	log.Printf("SourceController[%s]: recording to %s (language=%s)", c.kind, dir, language)
	return nil
}

// EndRecording останавливает распознавание, закрывает текущий сегмент (даже посреди фразы)
// и возвращает путь последнего записанного файла.
func (c *SourceController) EndRecording(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endRecordingLocked(ctx)
}

func (c *SourceController) endRecordingLocked(ctx context.Context) string {
	if !c.recording {
		return ""
	}
	c.recording = false

	// сначала перестаём кормить распознаватель новыми кадрами
	c.do(func() { c.state.recording = false })

	if c.recog != nil {
		if err := c.recog.Stop(ctx); err != nil {
			log.Printf("SourceController[%s]: failed to stop recognition: %v", c.kind, err)
		}
	}

	var path string
	c.do(func() {
		seg, ok, err := c.state.rotator.Close()
		if err != nil {
			log.Printf("SourceController[%s]: failed to close segment: %v", c.kind, err)
		}
		if ok {
			c.segmentReady(seg)
		}
		path = c.state.lastPath
		c.state.reset()
	})
	return path
}

// do выполняет fn в воркере (если он запущен) и ждёт завершения
func (c *SourceController) do(fn func()) {
	if c.workerDone == nil {
		fn()
		return
	}
	done := make(chan struct{})
	c.control <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// stopWorker закрывает очередь кадров и ждёт, пока воркер обработает остаток
func (c *SourceController) stopWorker() {
	c.qmu.Lock()
	if c.frames != nil {
		close(c.frames)
		c.frames = nil
	}
	c.qmu.Unlock()
	if c.workerDone != nil {
		<-c.workerDone
	}
	c.control = nil
	c.workerDone = nil
}

// onFrame - callback захвата; не блокируется, при переполнении очереди кадр теряется
func (c *SourceController) onFrame(frame audio.Frame) {
	c.qmu.RLock()
	defer c.qmu.RUnlock()
	if c.frames == nil {
		return
	}
	select {
	case c.frames <- frame:
	default:
		c.metrics.RecordDrop(c.kind.String(), metrics.DropQueue)
	}
}

func (c *SourceController) run(frames <-chan audio.Frame, control <-chan func(), done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.metrics.SetQueueDepth(c.kind.String(), len(frames))
			c.process(frame)
		case fn := <-control:
			// кадры, пришедшие до команды, обрабатываются раньше неё
			c.drain(frames)
			fn()
		}
	}
}

func (c *SourceController) drain(frames <-chan audio.Frame) {
	for n := len(frames); n > 0; n-- {
		frame, ok := <-frames
		if !ok {
			return
		}
		c.process(frame)
	}
}

// process: громкость -> событие уровня -> (запись) порог -> сегментатор -> ротатор -> распознавание
func (c *SourceController) process(frame audio.Frame) {
	st := c.state
	name := c.kind.String()
	c.metrics.RecordFrame(name)

	db := session.Measure(frame)
	level := db
	if st.smoother != nil {
		level = st.smoother.Next(db)
	}
	e := newEvent(EventLoudness, c.kind)
	e.DB = level
	c.emit.emit(e)

	if !st.recording {
		return
	}

	if c.cfg.Segmenter.Enabled {
		threshold := st.threshold.Observe(db)
		c.metrics.RecordLevel(name, db, threshold)

		switch st.segmenter.Process(db, threshold, frame) {
		case session.DecisionStart:
			if err := st.rotator.Open(); err != nil {
				log.Printf("SourceController[%s]: failed to open segment: %v", c.kind, err)
			}
			c.appendFrame(frame)
		case session.DecisionAppend:
			c.appendFrame(frame)
		case session.DecisionRotate:
			seg, ok, err := st.rotator.Rotate()
			if err != nil {
				log.Printf("SourceController[%s]: failed to rotate segment: %v", c.kind, err)
			}
			if ok {
				c.segmentReady(seg)
			}
		case session.DecisionDiscard:
			if err := st.rotator.Discard(); err != nil {
				log.Printf("SourceController[%s]: failed to discard segment: %v", c.kind, err)
			}
			c.metrics.RecordDiscard(name)
		}
	}

	if c.recog != nil {
		c.recog.Feed(frame)
	}
}

// appendFrame - ошибка записи не останавливает захват: кадр теряется
func (c *SourceController) appendFrame(frame audio.Frame) {
	if err := c.state.rotator.Append(frame); err != nil {
		log.Printf("SourceController[%s]: dropped frame: %v", c.kind, err)
		c.metrics.RecordDrop(c.kind.String(), metrics.DropSink)
	}
}

func (c *SourceController) segmentReady(seg session.Segment) {
	c.state.lastPath = seg.Path
	c.metrics.RecordSegment(c.kind.String(), seg.Duration.Seconds())
	if c.onSegment != nil {
		c.onSegment(seg)
	}
	e := newEvent(EventSegmentReady, c.kind)
	e.Path = seg.Path
	c.emit.emit(e)
}
