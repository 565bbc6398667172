package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"audiotoolkit/ai"
	"audiotoolkit/audio"
	"audiotoolkit/internal/apperr"
	"audiotoolkit/internal/metrics"
	"audiotoolkit/session"
)

// recognitionSampleRate - частота, в которой аудио уходит распознавателю
const recognitionSampleRate = 16000

// RecognitionManager ведёт одну потоковую сессию распознавания на источник
// и превращает полный транскрипт распознавателя в дельты.
type RecognitionManager struct {
	kind       audio.SourceKind
	recognizer ai.Recognizer
	queueSize  int
	emit       EventSink
	metrics    *metrics.Metrics

	mu     sync.Mutex
	active *recognitionSession
}

type recognitionSession struct {
	stream   ai.Stream
	language string
	frames   chan audio.Frame

	// под RecognitionManager.mu
	last         string
	framesClosed bool
	accepting    bool

	writerDone chan struct{}
	readerDone chan struct{}
}

// NewRecognitionManager создаёт менеджер; recognizer == nil - распознавание недоступно
func NewRecognitionManager(kind audio.SourceKind, recognizer ai.Recognizer, queueSize int, emit EventSink, m *metrics.Metrics) *RecognitionManager {
	if queueSize <= 0 {
		queueSize = 512
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &RecognitionManager{
		kind:       kind,
		recognizer: recognizer,
		queueSize:  queueSize,
		emit:       emit,
		metrics:    m,
	}
}

// Active сообщает, есть ли открытая сессия
func (m *RecognitionManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Start открывает сессию. Повторный вызов при активной сессии ничего не делает.
func (m *RecognitionManager) Start(ctx context.Context, language string) error {
	const op = "recognition.start"
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil
	}
	if m.recognizer == nil {
		return apperr.Errorf(apperr.KindRecognizerUnavailable, op, "no recognizer configured")
	}
	if !m.recognizer.Supports(language) {
		return apperr.Errorf(apperr.KindRecognizerUnavailable, op, "%s does not support language %q", m.recognizer.Name(), language)
	}

	stream, err := m.recognizer.NewStream(ctx, ai.StreamConfig{Language: language, SampleRate: recognitionSampleRate})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.New(apperr.KindRecognizerUnavailable, op, err)
		}
		return err
	}

	sess := &recognitionSession{
		stream:     stream,
		language:   language,
		frames:     make(chan audio.Frame, m.queueSize),
		accepting:  true,
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	m.active = sess
	go m.writeLoop(sess)
	go m.readLoop(sess)

	m.metrics.SetRecognitionActive(m.kind.String(), true)
	log.Printf("RecognitionManager[%s]: session started (engine=%s, language=%s)", m.kind, m.recognizer.Name(), language)
	return nil
}

// Feed ставит кадр в очередь сессии без блокировки. Без сессии ничего не делает.
func (m *RecognitionManager) Feed(frame audio.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.active
	if sess == nil || sess.framesClosed {
		return
	}
	select {
	case sess.frames <- frame:
	default:
		m.metrics.RecordDrop(m.kind.String(), metrics.DropRecognition)
	}
}

// Stop закрывает очередь, дожидается финального результата (в пределах ctx) и освобождает сессию
func (m *RecognitionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sess := m.active
	if sess == nil {
		m.mu.Unlock()
		return nil
	}
	m.active = nil
	m.closeFramesLocked(sess)
	m.mu.Unlock()

	var stopErr error
	select {
	case <-sess.writerDone:
		if err := sess.stream.Finish(ctx); err != nil {
			stopErr = fmt.Errorf("failed to finish recognition: %w", err)
		} else {
			select {
			case <-sess.readerDone:
			case <-ctx.Done():
				stopErr = ctx.Err()
			}
		}
	case <-ctx.Done():
		stopErr = ctx.Err()
	}
	if stopErr != nil {
		log.Printf("RecognitionManager[%s]: final result not received: %v", m.kind, stopErr)
	}

	// обновления после этой точки игнорируются
	m.mu.Lock()
	sess.accepting = false
	m.mu.Unlock()

	if err := sess.stream.Close(); err != nil {
		log.Printf("RecognitionManager[%s]: failed to close stream: %v", m.kind, err)
	}
	<-sess.writerDone
	<-sess.readerDone

	m.metrics.SetRecognitionActive(m.kind.String(), false)
	log.Printf("RecognitionManager[%s]: session stopped", m.kind)
	return nil
}

func (m *RecognitionManager) closeFramesLocked(sess *recognitionSession) {
	if !sess.framesClosed {
		sess.framesClosed = true
		close(sess.frames)
	}
}

// writeLoop переводит кадры в моно 16 kHz и передаёт потоку
func (m *RecognitionManager) writeLoop(sess *recognitionSession) {
	defer close(sess.writerDone)
	failed := false
	for frame := range sess.frames {
		if failed {
			continue
		}
		samples := session.Resample(frame.Mono(), frame.SampleRate, recognitionSampleRate)
		if err := sess.stream.Feed(samples, recognitionSampleRate); err != nil {
			if !errors.Is(err, ai.ErrStreamClosed) {
				log.Printf("RecognitionManager[%s]: feed failed: %v", m.kind, err)
			}
			failed = true
		}
	}
}

// readLoop применяет обновления; ошибка потока завершает только эту сессию
func (m *RecognitionManager) readLoop(sess *recognitionSession) {
	defer close(sess.readerDone)
	for t := range sess.stream.Results() {
		m.handleTranscript(sess, t.Text)
	}

	err := sess.stream.Err()
	if err == nil {
		return
	}
	log.Printf("RecognitionManager[%s]: stream error: %v", m.kind, err)
	m.metrics.RecordRecognitionError(m.kind.String())

	m.mu.Lock()
	detached := m.active == sess
	if detached {
		m.active = nil
		m.closeFramesLocked(sess)
		sess.accepting = false
	}
	m.mu.Unlock()

	if detached {
		m.metrics.SetRecognitionActive(m.kind.String(), false)
		go func() {
			<-sess.writerDone
			_ = sess.stream.Close()
		}()
	}
}

func (m *RecognitionManager) handleTranscript(sess *recognitionSession, full string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !sess.accepting {
		return
	}

	delta, next, ok := transcriptDelta(sess.last, full)
	sess.last = next
	if !ok {
		return
	}

	e := newEvent(EventTranscriptDelta, m.kind)
	e.Text = delta
	m.emit.emit(e)
	m.metrics.RecordDelta(m.kind.String())
}

// transcriptDelta вычисляет новую часть полного транскрипта.
// Возвращает дельту, новое значение last и признак, что событие нужно отправить.
func transcriptDelta(last, full string) (string, string, bool) {
	if strings.HasPrefix(full, last) {
		delta := full[len(last):]
		if strings.TrimSpace(delta) == "" {
			return "", last, false
		}
		return delta, full, true
	}

	// транскрипт переписан распознавателем
	if len(full) <= len(last) {
		return "", full, false
	}
	i := len(last)
	for i < len(full) && !utf8.RuneStart(full[i]) {
		i++
	}
	delta := full[i:]
	if strings.TrimSpace(delta) == "" {
		return "", full, false
	}
	return delta, full, true
}
