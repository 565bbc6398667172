package session

import (
	"testing"
	"time"

	"audiotoolkit/audio"
)

const (
	testRate        = 1000
	testFrameLength = 100 // 100 мс на кадр
	voiceDB         = -20.0
	silenceDB       = -60.0
)

// memorySink собирает семплы в памяти
type memorySink struct {
	samples []float32
	closed  bool
}

func (m *memorySink) Write(samples []float32) error {
	m.samples = append(m.samples, samples...)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

type sinkRecorder struct {
	sinks map[string]*memorySink
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{sinks: make(map[string]*memorySink)}
}

func (r *sinkRecorder) factory(path string, format Format, sampleRate, channels int) (Sink, error) {
	s := &memorySink{}
	r.sinks[path] = s
	return s, nil
}

// pipeline повторяет цикл воркера источника: сегментатор решает, ротатор пишет
type pipeline struct {
	t        *testing.T
	seg      *Segmenter
	rot      *Rotator
	base     time.Time
	index    int
	segments []Segment
	discards int
}

func newPipeline(t *testing.T, cfg SegmenterConfig, rec *sinkRecorder) *pipeline {
	return &pipeline{
		t:    t,
		seg:  NewSegmenter(cfg),
		rot:  NewRotator(RotatorConfig{Dir: t.TempDir(), Source: audio.SourceMic}, rec.factory),
		base: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (p *pipeline) frame() audio.Frame {
	ts := p.base.Add(time.Duration(p.index) * testFrameLength * time.Millisecond)
	p.index++
	return audio.NewFrame(audio.SourceMic, make([]float32, testFrameLength), testRate, 1, ts)
}

// feed подаёт n кадров с уровнем db при фиксированном пороге -45
func (p *pipeline) feed(n int, db float64) {
	for i := 0; i < n; i++ {
		f := p.frame()
		switch p.seg.Process(db, -45, f) {
		case DecisionStart:
			if err := p.rot.Open(); err != nil {
				p.t.Fatalf("Open: %v", err)
			}
			if err := p.rot.Append(f); err != nil {
				p.t.Fatalf("Append: %v", err)
			}
		case DecisionAppend:
			if err := p.rot.Append(f); err != nil {
				p.t.Fatalf("Append: %v", err)
			}
		case DecisionRotate:
			seg, ok, err := p.rot.Rotate()
			if err != nil {
				p.t.Fatalf("Rotate: %v", err)
			}
			if ok {
				p.segments = append(p.segments, seg)
			}
		case DecisionDiscard:
			if err := p.rot.Discard(); err != nil {
				p.t.Fatalf("Discard: %v", err)
			}
			p.discards++
		}
	}
}

func TestSegmenterSingleUtterance(t *testing.T) {
	rec := newSinkRecorder()
	p := newPipeline(t, DefaultSegmenterConfig(), rec)

	p.feed(3, silenceDB)  // тишина до речи - не пишется
	p.feed(12, voiceDB)   // речь 1.2 с
	p.feed(2, silenceDB)  // короткая пауза - часть фразы
	p.feed(3, voiceDB)    // речь
	p.feed(10, silenceDB) // 0.8 с тишины закрывают фразу на 8-м кадре

	if len(p.segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(p.segments))
	}
	seg := p.segments[0]

	// 12 + 2 + 3 речевых/пауз + 7 кадров тишины до порога; закрывающий кадр не пишется
	const wantFrames = (12 + 2 + 3 + 7) * testFrameLength
	if seg.Frames != wantFrames {
		t.Fatalf("segment frames = %d, want %d", seg.Frames, wantFrames)
	}
	sink := rec.sinks[seg.Path]
	if sink == nil || !sink.closed {
		t.Fatalf("segment sink not closed")
	}
	if len(sink.samples) != wantFrames {
		t.Fatalf("sink got %d samples, want %d", len(sink.samples), wantFrames)
	}
	if !seg.StartedAt.Equal(p.base.Add(300 * time.Millisecond)) {
		t.Fatalf("segment started at %v", seg.StartedAt)
	}

	state := p.seg.State()
	if state.Speaking || state.SpeakingFrames != 0 || state.SilenceFrames != 0 {
		t.Fatalf("segmenter not reset after rotation: %+v", state)
	}
	// После ротации ротатор уже держит следующий (пустой) файл
	if !p.rot.IsOpen() {
		t.Fatalf("rotator should prepare the next file")
	}
}

func TestSegmenterShortUtteranceDropped(t *testing.T) {
	rec := newSinkRecorder()
	p := newPipeline(t, DefaultSegmenterConfig(), rec)

	p.feed(5, voiceDB)    // 0.5 с речи
	p.feed(30, silenceDB) // долгая тишина

	if len(p.segments) != 0 {
		t.Fatalf("short utterance produced %d segments", len(p.segments))
	}
	if p.discards != 1 {
		t.Fatalf("discards = %d, want 1", p.discards)
	}
}

func TestSegmenterLongPauseDoesNotCountAsSpeech(t *testing.T) {
	// 0.5 с речи + 0.8 с паузы: от начала фразы прошло 1.3 с, но речи меньше секунды
	rec := newSinkRecorder()
	p := newPipeline(t, DefaultSegmenterConfig(), rec)

	p.feed(5, voiceDB)
	p.feed(20, silenceDB)

	if len(p.segments) != 0 {
		t.Fatalf("pause time must not count towards speaking duration")
	}
}

func TestSegmenterShortUtteranceKept(t *testing.T) {
	cfg := DefaultSegmenterConfig()
	cfg.ShortSegments = ShortSegmentsKeep
	rec := newSinkRecorder()
	p := newPipeline(t, cfg, rec)

	p.feed(5, voiceDB)
	p.feed(10, silenceDB)

	if len(p.segments) != 1 {
		t.Fatalf("keep policy: got %d segments, want 1", len(p.segments))
	}
}

func TestSegmenterBoundaryDurations(t *testing.T) {
	// Ровно MinSpeaking речи и ровно MaxSilence тишины
	rec := newSinkRecorder()
	p := newPipeline(t, DefaultSegmenterConfig(), rec)

	p.feed(10, voiceDB)
	p.feed(8, silenceDB)

	if len(p.segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(p.segments))
	}
	if p.segments[0].Frames != (10+7)*testFrameLength {
		t.Fatalf("segment frames = %d", p.segments[0].Frames)
	}
}

func TestSegmenterNoiseGate(t *testing.T) {
	// Постоянный тихий фон: среднее минус запас всегда ниже сигнала, но порог не опускается ниже гейта
	seg := NewSegmenter(DefaultSegmenterConfig())
	thr := NewThresholdPolicy(DefaultThresholdConfig())
	base := time.Now()

	for i := 0; i < 50; i++ {
		f := audio.NewFrame(audio.SourceMic, make([]float32, 100), testRate, 1, base.Add(time.Duration(i)*100*time.Millisecond))
		db := -55.0
		if d := seg.Process(db, thr.Observe(db), f); d != DecisionIdle {
			t.Fatalf("frame %d: decision %v, want idle", i, d)
		}
	}
}

func TestSegmenterFixedThresholdBelowNoiseGate(t *testing.T) {
	// Фиксированный порог -60 ниже гейта по умолчанию: речь на -54 dB всё равно даёт фразу
	cfg := DefaultThresholdConfig()
	cfg.Mode = ThresholdFixed
	cfg.Fixed = -60
	thr := NewThresholdPolicy(cfg)

	rec := newSinkRecorder()
	p := newPipeline(t, DefaultSegmenterConfig(), rec)
	for i := 0; i < 20; i++ {
		f := p.frame()
		if d := p.seg.Process(-54, thr.Observe(-54), f); !d.Writes() {
			t.Fatalf("frame %d: decision %v, want a writing decision", i, d)
		}
		if i == 0 {
			if err := p.rot.Open(); err != nil {
				t.Fatalf("Open: %v", err)
			}
		}
		if err := p.rot.Append(f); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if d := p.seg.Process(-70, thr.Observe(-70), p.frame()); d != DecisionAppend {
		t.Fatalf("first silent frame: decision %v, want append", d)
	}

	seg, ok, err := p.rot.Close()
	if err != nil || !ok {
		t.Fatalf("Close: ok=%v err=%v", ok, err)
	}
	if seg.Frames != 20*testFrameLength {
		t.Fatalf("segment frames = %d", seg.Frames)
	}
}

func TestSegmenterStateInvariant(t *testing.T) {
	seg := NewSegmenter(DefaultSegmenterConfig())
	base := time.Now()
	levels := []float64{-60, -20, -20, -60, -20, -60, -60, -60, -60, -60, -60, -60, -60, -60, -60}

	for i, db := range levels {
		f := audio.NewFrame(audio.SourceMic, make([]float32, 100), testRate, 1, base.Add(time.Duration(i)*100*time.Millisecond))
		seg.Process(db, -45, f)
		st := seg.State()
		if !st.Speaking && (st.SpeakingFrames != 0 || st.SilenceFrames != 0) {
			t.Fatalf("frame %d: counters must be zero while silent: %+v", i, st)
		}
	}
}

func TestSegmenterReset(t *testing.T) {
	seg := NewSegmenter(DefaultSegmenterConfig())
	f := audio.NewFrame(audio.SourceMic, make([]float32, 100), testRate, 1, time.Now())

	if d := seg.Process(voiceDB, -45, f); d != DecisionStart {
		t.Fatalf("decision = %v, want start", d)
	}
	seg.Reset()
	if st := seg.State(); st != (SegmentState{}) {
		t.Fatalf("state after reset: %+v", st)
	}
	if d := seg.Process(silenceDB, -45, f); d != DecisionIdle {
		t.Fatalf("after reset silence should be idle, got %v", d)
	}
}
