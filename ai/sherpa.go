package ai

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"audiotoolkit/internal/apperr"
	"audiotoolkit/models"
)

// SherpaConfig конфигурация локального распознавателя sherpa-onnx
type SherpaConfig struct {
	ModelDir       string   // директория с файлами модели
	Encoder        string   // имена файлов внутри ModelDir
	Decoder        string
	Joiner         string
	Tokens         string
	Languages      []string // поддерживаемые языки; пусто - любой
	NumThreads     int
	Provider       string // cpu, cuda, coreml, auto
	DecodingMethod string // greedy_search, modified_beam_search

	// Правила endpoint (секунды)
	Rule1MinTrailingSilence float32
	Rule2MinTrailingSilence float32
	Rule3MinUtteranceLength float32
}

// SherpaConfigFromModel строит конфигурацию по модели из реестра
func SherpaConfigFromModel(dir string, info models.ModelInfo) SherpaConfig {
	return SherpaConfig{
		ModelDir:                dir,
		Encoder:                 info.Encoder,
		Decoder:                 info.Decoder,
		Joiner:                  info.Joiner,
		Tokens:                  info.Tokens,
		Languages:               info.Languages,
		NumThreads:              2,
		Provider:                "auto",
		DecodingMethod:          "greedy_search",
		Rule1MinTrailingSilence: 2.4,
		Rule2MinTrailingSilence: 1.2,
		Rule3MinUtteranceLength: 20,
	}
}

// resolveProvider выбирает ONNX provider для платформы
func resolveProvider(requested string) string {
	if requested != "" && requested != "auto" {
		return requested
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// SherpaRecognizer - streaming transducer sherpa-onnx.
// Один OnlineRecognizer разделяется всеми сессиями, декодирование сериализуется мьютексом.
type SherpaRecognizer struct {
	config     SherpaConfig
	recognizer *sherpa.OnlineRecognizer

	mu     sync.Mutex // защищает Decode/GetResult и recognizer
	closed bool
}

// NewSherpaRecognizer загружает модель; RecognizerUnavailable если файлов нет или модель не загрузилась
func NewSherpaRecognizer(config SherpaConfig) (*SherpaRecognizer, error) {
	const op = "sherpa.new"
	for _, name := range []string{config.Encoder, config.Decoder, config.Joiner, config.Tokens} {
		path := filepath.Join(config.ModelDir, name)
		if _, err := os.Stat(path); err != nil {
			return nil, apperr.Errorf(apperr.KindRecognizerUnavailable, op, "model file not found: %s", path)
		}
	}
	if config.NumThreads <= 0 {
		config.NumThreads = 2
	}
	if config.DecodingMethod == "" {
		config.DecodingMethod = "greedy_search"
	}

	provider := resolveProvider(config.Provider)
	cfg := &sherpa.OnlineRecognizerConfig{
		FeatConfig: sherpa.FeatureConfig{
			SampleRate: 16000,
			FeatureDim: 80,
		},
		ModelConfig: sherpa.OnlineModelConfig{
			Transducer: sherpa.OnlineTransducerModelConfig{
				Encoder: filepath.Join(config.ModelDir, config.Encoder),
				Decoder: filepath.Join(config.ModelDir, config.Decoder),
				Joiner:  filepath.Join(config.ModelDir, config.Joiner),
			},
			Tokens:     filepath.Join(config.ModelDir, config.Tokens),
			NumThreads: config.NumThreads,
			Provider:   provider,
		},
		DecodingMethod:          config.DecodingMethod,
		EnableEndpoint:          1,
		Rule1MinTrailingSilence: config.Rule1MinTrailingSilence,
		Rule2MinTrailingSilence: config.Rule2MinTrailingSilence,
		Rule3MinUtteranceLength: config.Rule3MinUtteranceLength,
	}

	rec := sherpa.NewOnlineRecognizer(cfg)
	if rec == nil && provider != "cpu" {
		log.Printf("SherpaRecognizer: %s provider failed, falling back to CPU", provider)
		provider = "cpu"
		cfg.ModelConfig.Provider = provider
		rec = sherpa.NewOnlineRecognizer(cfg)
	}
	if rec == nil {
		return nil, apperr.Errorf(apperr.KindRecognizerUnavailable, op, "failed to create sherpa-onnx recognizer from %s", config.ModelDir)
	}
	config.Provider = provider

	log.Printf("SherpaRecognizer initialized: provider=%s, model=%s", provider, config.ModelDir)
	return &SherpaRecognizer{config: config, recognizer: rec}, nil
}

func (r *SherpaRecognizer) Name() string { return "sherpa" }

func (r *SherpaRecognizer) Supports(language string) bool {
	return models.MatchLanguage(r.config.Languages, language)
}

// NewStream открывает сессию на общем распознавателе
func (r *SherpaRecognizer) NewStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	const op = "sherpa.stream"
	if !r.Supports(cfg.Language) {
		return nil, apperr.Errorf(apperr.KindRecognizerUnavailable, op, "language %q is not supported", cfg.Language)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, apperr.Errorf(apperr.KindRecognizerUnavailable, op, "recognizer is closed")
	}
	stream := sherpa.NewOnlineStream(r.recognizer)
	r.mu.Unlock()
	if stream == nil {
		return nil, apperr.Errorf(apperr.KindRecognizerUnavailable, op, "failed to create online stream")
	}

	quit := make(chan struct{})
	s := &sherpaStream{
		rec:      r,
		stream:   stream,
		quit:     quit,
		input:    newInputQueue(64, quit),
		pipe:     newResultPipe(16, quit),
		loopDone: make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// RecognizeSamples распознаёт буфер целиком на отдельном потоке
func (r *SherpaRecognizer) RecognizeSamples(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	const op = "sherpa.file"
	if !r.Supports(language) {
		return "", apperr.Errorf(apperr.KindRecognizerUnavailable, op, "language %q is not supported", language)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", apperr.Errorf(apperr.KindRecognizerUnavailable, op, "recognizer is closed")
	}

	stream := sherpa.NewOnlineStream(r.recognizer)
	if stream == nil {
		return "", apperr.Errorf(apperr.KindRecognizerUnavailable, op, "failed to create online stream")
	}
	defer sherpa.DeleteOnlineStream(stream)

	var acc accumulator
	const chunkSize = 16000
	for start := 0; start < len(samples); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := min(start+chunkSize, len(samples))
		stream.AcceptWaveform(sampleRate, samples[start:end])
		r.decodeLocked(stream, &acc)
	}
	// хвост тишины выталкивает последние токены из энкодера
	stream.AcceptWaveform(sampleRate, make([]float32, sampleRate/2))
	stream.InputFinished()
	r.decodeLocked(stream, &acc)
	acc.update(r.recognizer.GetResult(stream).Text, true)

	return acc.text(), nil
}

// decodeLocked декодирует готовые фреймы; на endpoint переносит фразу в подтверждённый текст.
// Возвращает true, если фраза была подтверждена.
func (r *SherpaRecognizer) decodeLocked(stream *sherpa.OnlineStream, acc *accumulator) bool {
	for r.recognizer.IsReady(stream) {
		r.recognizer.Decode(stream)
	}
	text := r.recognizer.GetResult(stream).Text
	if r.recognizer.IsEndpoint(stream) {
		if text != "" {
			acc.update(text, true)
		}
		r.recognizer.Reset(stream)
		return text != ""
	}
	acc.update(text, false)
	return false
}

// Close освобождает модель; открытые сессии должны быть закрыты раньше
func (r *SherpaRecognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	sherpa.DeleteOnlineRecognizer(r.recognizer)
	r.recognizer = nil
	log.Printf("SherpaRecognizer closed")
}

type sherpaStream struct {
	rec    *SherpaRecognizer
	stream *sherpa.OnlineStream

	input *inputQueue
	pipe  *resultPipe
	acc   accumulator

	quit      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

func (s *sherpaStream) Feed(samples []float32, sampleRate int) error {
	return s.input.push(samples, sampleRate)
}

func (s *sherpaStream) Results() <-chan Transcript { return s.pipe.results }

func (s *sherpaStream) Err() error { return s.pipe.Err() }

func (s *sherpaStream) Finish(ctx context.Context) error {
	s.input.close()
	return s.pipe.wait(ctx)
}

func (s *sherpaStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.input.close()
		<-s.loopDone
	})
	return nil
}

func (s *sherpaStream) loop() {
	defer close(s.loopDone)
	defer func() {
		s.rec.mu.Lock()
		sherpa.DeleteOnlineStream(s.stream)
		s.rec.mu.Unlock()
	}()

	last := ""
	for c := range s.input.ch {
		s.stream.AcceptWaveform(c.rate, c.samples)

		s.rec.mu.Lock()
		if s.rec.closed {
			s.rec.mu.Unlock()
			s.pipe.finish(fmt.Errorf("recognizer closed during session"))
			return
		}
		committed := s.rec.decodeLocked(s.stream, &s.acc)
		s.rec.mu.Unlock()

		text := s.acc.text()
		if text == last && !committed {
			continue
		}
		last = text
		if !s.pipe.emit(Transcript{Text: text, IsFinal: committed, Timestamp: time.Now()}) {
			s.pipe.finish(nil)
			return
		}
	}

	select {
	case <-s.quit:
		s.pipe.finish(nil)
		return
	default:
	}

	s.rec.mu.Lock()
	if !s.rec.closed {
		s.stream.InputFinished()
		s.rec.decodeLocked(s.stream, &s.acc)
		s.acc.update(s.rec.recognizer.GetResult(s.stream).Text, true)
	}
	s.rec.mu.Unlock()

	s.pipe.emit(Transcript{Text: s.acc.text(), IsFinal: true, Timestamp: time.Now()})
	s.pipe.finish(nil)
}
