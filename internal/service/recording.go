package service

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"audiotoolkit/audio"
	"audiotoolkit/internal/apperr"
	"audiotoolkit/session"
)

// StartRecording начинает запись: каталог записи, сегменты и распознавание на активных источниках.
// Источники, запущенные позже, присоединяются к записи. Повторный вызов - успех без изменений.
func (t *Toolkit) StartRecording(ctx context.Context, language string) error {
	const op = "start recording"
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.recording != nil {
		return nil
	}
	if language == "" {
		language = t.defaultLang
	}
	if t.recognizer != nil && !t.recognizer.Supports(language) {
		return apperr.Errorf(apperr.KindRecognizerUnavailable, op, "%s does not support language %q", t.recognizer.Name(), language)
	}
	if t.recordings == nil {
		return apperr.Errorf(apperr.KindIO, op, "recordings storage is not configured")
	}

	rec, err := t.recordings.CreateRecording(language)
	if err != nil {
		return apperr.New(apperr.KindIO, op, err)
	}

	var started []*SourceController
	for _, kind := range audio.Kinds {
		c := t.controllers[kind]
		if !c.Active() {
			continue
		}
		if err := c.BeginRecording(ctx, language, t.segmentDir(rec)); err != nil {
			log.Printf("Toolkit: failed to start recording on %s: %v", kind, err)
			for _, s := range started {
				s.EndRecording(ctx)
			}
			if _, finErr := t.recordings.FinishRecording(session.RecordingStatusFailed); finErr != nil {
				log.Printf("Toolkit: failed to finish recording: %v", finErr)
			}
			return err
		}
		started = append(started, c)
	}

	t.recording = rec
	t.language = language
	log.Printf("Toolkit: recording %s started (language=%s, sources=%d)", rec.ID, language, len(started))
	return nil
}

// StopRecording останавливает распознавание на обоих источниках, закрывает открытые сегменты
// и возвращает путь последнего записанного файла (микрофон в приоритете). Без записи - успех с "".
func (t *Toolkit) StopRecording(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.recording == nil {
		return "", nil
	}
	rec := t.recording

	var (
		mu    sync.Mutex
		paths = make(map[audio.SourceKind]string)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range audio.Kinds {
		c := t.controllers[kind]
		g.Go(func() error {
			p := c.EndRecording(gctx)
			mu.Lock()
			paths[kind] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	t.recording = nil
	t.language = ""

	if _, err := t.recordings.FinishRecording(session.RecordingStatusCompleted); err != nil {
		return "", apperr.New(apperr.KindIO, "stop recording", err)
	}

	path := paths[audio.SourceMic]
	if path == "" {
		path = paths[audio.SourceSystem]
	}
	info := rec.Snapshot()
	log.Printf("Toolkit: recording %s stopped (segments=%d, last=%s)", info.ID, len(info.Segments), path)
	return path, nil
}
