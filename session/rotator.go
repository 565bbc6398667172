package session

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"audiotoolkit/audio"
	"audiotoolkit/internal/apperr"
)

// Sink принимает interleaved float32 семплы одного сегмента
type Sink interface {
	Write(samples []float32) error
	Close() error
}

// SinkFactory создаёт sink для файла сегмента
type SinkFactory func(path string, format Format, sampleRate, channels int) (Sink, error)

// NewFileSink создаёт WAV или MP3 writer по формату
func NewFileSink(path string, format Format, sampleRate, channels int) (Sink, error) {
	switch format {
	case FormatMP3:
		return NewMP3Sink(path, sampleRate, channels)
	case FormatWAV, "":
		return NewWAVWriter(path, sampleRate, channels)
	}
	return nil, fmt.Errorf("unsupported segment format: %q", format)
}

// segmentSeq - сквозной номер файлов, чтобы имена не совпадали в пределах одной микросекунды
var segmentSeq atomic.Uint64

const segmentTimeLayout = "20060102-150405.000000"

// SegmentPath генерирует уникальный путь <dir>/<yyyyMMdd-HHmmss.SSSSSS>-<seq>_<suffix>.<ext>
func SegmentPath(dir, suffix string, format Format, now time.Time) string {
	if format == "" {
		format = FormatWAV
	}
	name := fmt.Sprintf("%s-%d_%s.%s", now.Format(segmentTimeLayout), segmentSeq.Add(1), suffix, format)
	return filepath.Join(dir, name)
}

// RotatorConfig конфигурация ротатора
type RotatorConfig struct {
	Dir    string
	Suffix string // "mic" или "system"
	Format Format
	Source audio.SourceKind
}

// openSegment - текущий файл ротатора
type openSegment struct {
	path      string
	sink      Sink // создаётся при первой записи с форматом кадра
	frames    int64
	duration  time.Duration
	startedAt time.Time
}

// Rotator владеет текущим файлом сегмента одного источника.
// Не потокобезопасен: вызывается только из воркера источника.
type Rotator struct {
	cfg     RotatorConfig
	factory SinkFactory
	now     func() time.Time

	cur *openSegment
}

// NewRotator создаёт ротатор; factory == nil означает NewFileSink
func NewRotator(cfg RotatorConfig, factory SinkFactory) *Rotator {
	if factory == nil {
		factory = NewFileSink
	}
	if cfg.Format == "" {
		cfg.Format = FormatWAV
	}
	if cfg.Suffix == "" {
		cfg.Suffix = cfg.Source.String()
	}
	return &Rotator{cfg: cfg, factory: factory, now: time.Now}
}

// SetDir меняет каталог для следующих файлов (новая запись)
func (r *Rotator) SetDir(dir string) {
	r.cfg.Dir = dir
}

// IsOpen сообщает, есть ли текущий файл
func (r *Rotator) IsOpen() bool {
	return r.cur != nil
}

// CurrentPath возвращает путь текущего файла или ""
func (r *Rotator) CurrentPath() string {
	if r.cur == nil {
		return ""
	}
	return r.cur.path
}

// Open подготавливает новый файл. Если файл уже открыт, ничего не делает.
func (r *Rotator) Open() error {
	if r.cur != nil {
		return nil
	}
	if err := os.MkdirAll(r.cfg.Dir, 0755); err != nil {
		return apperr.New(apperr.KindIO, "open segment", fmt.Errorf("failed to create segment dir: %w", err))
	}
	r.cur = &openSegment{path: SegmentPath(r.cfg.Dir, r.cfg.Suffix, r.cfg.Format, r.now())}
	return nil
}

// Append дописывает кадр в текущий файл (открывая его при необходимости)
func (r *Rotator) Append(frame audio.Frame) error {
	if r.cur == nil {
		if err := r.Open(); err != nil {
			return err
		}
	}
	cur := r.cur
	if cur.sink == nil {
		sink, err := r.factory(cur.path, r.cfg.Format, frame.SampleRate, frame.Channels)
		if err != nil {
			return apperr.New(apperr.KindIO, "create segment sink", err)
		}
		cur.sink = sink
		cur.startedAt = frame.Timestamp
	}
	if err := cur.sink.Write(frame.Samples[:frame.Frames*frame.Channels]); err != nil {
		return apperr.New(apperr.KindIO, "append segment", err)
	}
	cur.frames += int64(frame.Frames)
	cur.duration += frame.Duration()
	return nil
}

// Rotate закрывает текущий файл и сразу готовит следующий.
// ok == false, если в закрытый файл ничего не было записано.
func (r *Rotator) Rotate() (Segment, bool, error) {
	seg, ok, err := r.Close()
	if openErr := r.Open(); openErr != nil && err == nil {
		err = openErr
	}
	return seg, ok, err
}

// Discard закрывает текущий файл и удаляет его без уведомления
func (r *Rotator) Discard() error {
	cur := r.cur
	r.cur = nil
	if cur == nil || cur.sink == nil {
		return nil
	}
	closeErr := cur.sink.Close()
	if err := os.Remove(cur.path); err != nil && !os.IsNotExist(err) {
		return apperr.New(apperr.KindIO, "discard segment", err)
	}
	log.Printf("Rotator[%s]: discarded short segment (%v)", r.cfg.Suffix, cur.duration)
	if closeErr != nil {
		return apperr.New(apperr.KindIO, "discard segment", closeErr)
	}
	return nil
}

// Close закрывает текущий файл. Сегмент сообщается, только если в него что-то записано.
func (r *Rotator) Close() (Segment, bool, error) {
	cur := r.cur
	r.cur = nil
	if cur == nil || cur.sink == nil {
		return Segment{}, false, nil
	}

	if err := cur.sink.Close(); err != nil {
		return Segment{}, false, apperr.New(apperr.KindIO, "close segment", err)
	}
	if cur.frames == 0 {
		_ = os.Remove(cur.path)
		return Segment{}, false, nil
	}

	return Segment{
		Source:    r.cfg.Source,
		SourceID:  r.cfg.Source.String(),
		Path:      cur.path,
		Frames:    cur.frames,
		Duration:  cur.duration,
		StartedAt: cur.startedAt,
		ClosedAt:  r.now(),
	}, true, nil
}
