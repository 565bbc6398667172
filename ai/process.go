package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"audiotoolkit/internal/apperr"
	"audiotoolkit/models"
)

// ProcessConfig конфигурация внешнего движка распознавания (JSON lines через stdin/stdout)
type ProcessConfig struct {
	Path          string   // путь к бинарнику
	Args          []string // дополнительные аргументы
	ModelCacheDir string   // передаётся в команде init
	Languages     []string // пусто - любой язык
	InitTimeout   time.Duration
	ExitTimeout   time.Duration
}

// ProcessRecognizer запускает отдельный процесс на каждую сессию.
// Протокол: команды init/stream/finish/reset/exit, ответы ready/update/final/error.
type ProcessRecognizer struct {
	config ProcessConfig
}

// NewProcessRecognizer проверяет наличие бинарника
func NewProcessRecognizer(config ProcessConfig) (*ProcessRecognizer, error) {
	path, err := exec.LookPath(config.Path)
	if err != nil {
		return nil, apperr.New(apperr.KindRecognizerUnavailable, "process.new", fmt.Errorf("recognizer binary not found: %w", err))
	}
	config.Path = path
	if config.InitTimeout <= 0 {
		config.InitTimeout = 60 * time.Second // первая загрузка модели бывает долгой
	}
	if config.ExitTimeout <= 0 {
		config.ExitTimeout = 5 * time.Second
	}
	return &ProcessRecognizer{config: config}, nil
}

func (r *ProcessRecognizer) Name() string { return "process" }

func (r *ProcessRecognizer) Supports(language string) bool {
	return models.MatchLanguage(r.config.Languages, language)
}

// streamCommand команда движку
type streamCommand struct {
	Command       string    `json:"command"`
	ModelCacheDir *string   `json:"model_cache_dir,omitempty"`
	Language      *string   `json:"language,omitempty"`
	SampleRate    *int      `json:"sample_rate,omitempty"`
	Samples       []float32 `json:"samples,omitempty"`
	SamplesBase64 *string   `json:"samples_base64,omitempty"`
}

// streamResponse ответ движка
type streamResponse struct {
	Type        string   `json:"type"`
	Text        *string  `json:"text,omitempty"`
	IsConfirmed *bool    `json:"is_confirmed,omitempty"`
	Confidence  *float32 `json:"confidence,omitempty"`
	Timestamp   *float64 `json:"timestamp,omitempty"`
	Message     *string  `json:"message,omitempty"`
}

// NewStream запускает процесс и ждёт ready
func (r *ProcessRecognizer) NewStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	const op = "process.stream"
	if !r.Supports(cfg.Language) {
		return nil, apperr.Errorf(apperr.KindRecognizerUnavailable, op, "language %q is not supported", cfg.Language)
	}

	cmd := exec.Command(r.config.Path, r.config.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.New(apperr.KindRecognizerUnavailable, op, fmt.Errorf("failed to start subprocess: %w", err))
	}
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Printf("[recognizer-process] %s", sc.Text())
		}
	}()

	s := newProcessStream(stdin, stdout)
	s.stopProcess = func() { waitOrKill(cmd, r.config.ExitTimeout) }

	initCtx, cancel := context.WithTimeout(ctx, r.config.InitTimeout)
	defer cancel()
	if err := s.start(initCtx, r.config.ModelCacheDir, cfg); err != nil {
		s.Close()
		return nil, apperr.New(apperr.KindRecognizerUnavailable, op, err)
	}
	return s, nil
}

// RecognizeSamples прогоняет буфер через одноразовую сессию
func (r *ProcessRecognizer) RecognizeSamples(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	stream, err := r.NewStream(ctx, StreamConfig{Language: language, SampleRate: sampleRate})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var text string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for t := range stream.Results() {
			text = t.Text
		}
	}()

	const chunkSize = 16000
	for start := 0; start < len(samples); start += chunkSize {
		end := min(start+chunkSize, len(samples))
		if err := stream.Feed(samples[start:end], sampleRate); err != nil {
			return "", err
		}
	}
	if err := stream.Finish(ctx); err != nil {
		return "", err
	}
	<-done
	return text, nil
}

// waitOrKill ждёт завершения процесса и убивает его по таймауту
func waitOrKill(cmd *exec.Cmd, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("ProcessRecognizer: subprocess did not exit, killing")
		_ = cmd.Process.Kill()
		<-done
	}
}

type processStream struct {
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	writeMu sync.Mutex

	input *inputQueue
	pipe  *resultPipe
	acc   accumulator

	ready     chan struct{}
	readyErr  error
	readyOnce sync.Once

	quit        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	stopProcess func()
}

func newProcessStream(stdin io.WriteCloser, stdout io.Reader) *processStream {
	quit := make(chan struct{})
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &processStream{
		stdin:   stdin,
		scanner: sc,
		input:   newInputQueue(64, quit),
		pipe:    newResultPipe(16, quit),
		ready:   make(chan struct{}),
		quit:    quit,
	}
}

// start отправляет init и ждёт ready, затем запускает цикл записи
func (s *processStream) start(ctx context.Context, modelCacheDir string, cfg StreamConfig) error {
	s.wg.Add(1)
	go s.readLoop()

	init := streamCommand{Command: "init"}
	if modelCacheDir != "" {
		init.ModelCacheDir = &modelCacheDir
	}
	if cfg.Language != "" {
		init.Language = &cfg.Language
	}
	if cfg.SampleRate > 0 {
		init.SampleRate = &cfg.SampleRate
	}
	if err := s.send(init); err != nil {
		return err
	}

	select {
	case <-s.ready:
		if s.readyErr != nil {
			return s.readyErr
		}
	case <-ctx.Done():
		return fmt.Errorf("initialization timeout: %w", ctx.Err())
	}

	s.wg.Add(1)
	go s.writeLoop()
	return nil
}

func (s *processStream) markReady(err error) {
	s.readyOnce.Do(func() {
		s.readyErr = err
		close(s.ready)
	})
}

func (s *processStream) Feed(samples []float32, sampleRate int) error {
	return s.input.push(samples, sampleRate)
}

func (s *processStream) Results() <-chan Transcript { return s.pipe.results }

func (s *processStream) Err() error { return s.pipe.Err() }

func (s *processStream) Finish(ctx context.Context) error {
	s.input.close()
	return s.pipe.wait(ctx)
}

func (s *processStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.input.close()
		_ = s.send(streamCommand{Command: "exit"})
		_ = s.stdin.Close()
		if s.stopProcess != nil {
			s.stopProcess()
		}
		s.wg.Wait()
		s.pipe.finish(nil)
	})
	return nil
}

// send пишет одну команду строкой JSON
func (s *processStream) send(cmd streamCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// encodeStreamCommand - большие чанки передаются base64, иначе массивом
func encodeStreamCommand(samples []float32) streamCommand {
	cmd := streamCommand{Command: "stream"}
	if len(samples) > 1000 {
		buf := new(bytes.Buffer)
		_ = binary.Write(buf, binary.LittleEndian, samples)
		encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
		cmd.SamplesBase64 = &encoded
	} else {
		cmd.Samples = samples
	}
	return cmd
}

func (s *processStream) writeLoop() {
	defer s.wg.Done()
	for c := range s.input.ch {
		if err := s.send(encodeStreamCommand(c.samples)); err != nil {
			log.Printf("ProcessRecognizer: %v", err)
			for range s.input.ch {
			}
			return
		}
	}
	select {
	case <-s.quit:
		return
	default:
	}
	if err := s.send(streamCommand{Command: "finish"}); err != nil {
		log.Printf("ProcessRecognizer: %v", err)
	}
}

func (s *processStream) readLoop() {
	defer s.wg.Done()
	for s.scanner.Scan() {
		var resp streamResponse
		if err := json.Unmarshal(s.scanner.Bytes(), &resp); err != nil {
			log.Printf("ProcessRecognizer: failed to parse response: %v", err)
			continue
		}

		switch resp.Type {
		case "ready":
			s.markReady(nil)

		case "update":
			if resp.Text == nil {
				continue
			}
			confirmed := resp.IsConfirmed != nil && *resp.IsConfirmed
			t := Transcript{
				Text:      s.acc.update(*resp.Text, confirmed),
				IsFinal:   confirmed,
				Timestamp: time.Now(),
			}
			if resp.Confidence != nil {
				t.Confidence = *resp.Confidence
			}
			if !s.pipe.emit(t) {
				return
			}

		case "final":
			text := s.acc.text()
			if resp.Text != nil && *resp.Text != "" {
				text = *resp.Text
			}
			s.pipe.emit(Transcript{Text: text, IsFinal: true, Timestamp: time.Now()})
			s.pipe.finish(nil)
			return

		case "error":
			msg := "unknown error"
			if resp.Message != nil {
				msg = *resp.Message
			}
			err := fmt.Errorf("streaming error: %s", msg)
			s.markReady(err)
			s.pipe.finish(err)
			return

		default:
			log.Printf("ProcessRecognizer: unknown response type: %s", resp.Type)
		}
	}

	err := s.scanner.Err()
	if err == nil {
		err = errors.New("recognizer process exited")
	}
	s.markReady(err)
	select {
	case <-s.quit:
		s.pipe.finish(nil)
	default:
		s.pipe.finish(err)
	}
}
