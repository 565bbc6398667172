package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"audiotoolkit/internal/apperr"
)

// Маркеры каналов в потоке helper'а
const (
	markerMic    byte = 0x4D // 'M'
	markerSystem byte = 0x53 // 'S'

	maxHelperSamples = 1000000
)

// HelperConfig описывает внешний процесс захвата (Core Audio tap, ScreenCaptureKit, pw-record обёртка)
type HelperConfig struct {
	Path       string
	Args       []string
	Kind       SourceKind
	SampleRate int
	Channels   int
	// ReadyTimeout - сколько ждать строку READY/ERROR в stderr
	ReadyTimeout time.Duration
	// StopTimeout - сколько ждать завершения после SIGINT
	StopTimeout time.Duration
}

// HelperSource читает PCM из stdout helper-процесса.
// Формат потока: [маркер 1 байт][количество сэмплов uint32 LE][float32 LE данные].
type HelperSource struct {
	cfg HelperConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	readers sync.WaitGroup
}

// NewHelperSource создаёт источник на основе helper-процесса
func NewHelperSource(cfg HelperConfig) *HelperSource {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 3 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &HelperSource{cfg: cfg}
}

func (h *HelperSource) Kind() SourceKind { return h.cfg.Kind }

// resolveHelperPath ищет helper рядом с исполняемым файлом, затем в PATH
func resolveHelperPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return exec.LookPath(name)
}

// RequestPermission проверяет наличие helper'а; само разрешение ОС запрашивает helper при старте
func (h *HelperSource) RequestPermission(ctx context.Context) error {
	if _, err := resolveHelperPath(h.cfg.Path); err != nil {
		return apperr.New(apperr.KindDeviceUnavailable, "find capture helper", err)
	}
	return nil
}

func (h *HelperSource) Open(ctx context.Context, handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd != nil {
		return nil
	}

	path, err := resolveHelperPath(h.cfg.Path)
	if err != nil {
		return apperr.New(apperr.KindDeviceUnavailable, "find capture helper", err)
	}

	cmd := exec.Command(path, h.cfg.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return apperr.New(apperr.KindDeviceUnavailable, "start capture helper", err)
	}

	status := make(chan error, 1)
	h.readers.Add(2)

	// stderr: статус и логи helper'а
	go func() {
		defer h.readers.Done()
		scanner := bufio.NewScanner(stderr)
		reported := false
		for scanner.Scan() {
			line := scanner.Text()
			if !reported {
				if err, ok := parseHelperStatus(line); ok {
					status <- err
					reported = true
					continue
				}
			}
			log.Printf("CaptureHelper[%s]: %s", h.cfg.Kind, line)
		}
	}()

	// stdout: аудио данные
	go func() {
		defer h.readers.Done()
		err := readHelperStream(bufio.NewReader(stdout), h.marker(), func(samples []float32) {
			handler(NewFrame(h.cfg.Kind, samples, h.cfg.SampleRate, h.cfg.Channels, time.Now()))
		})
		if err != nil {
			log.Printf("CaptureHelper[%s]: stream ended: %v", h.cfg.Kind, err)
		}
	}()

	select {
	case err := <-status:
		if err != nil {
			h.terminate(cmd)
			return err
		}
	case <-time.After(h.cfg.ReadyTimeout):
		log.Printf("CaptureHelper[%s]: no READY within %v, continuing", h.cfg.Kind, h.cfg.ReadyTimeout)
	case <-ctx.Done():
		h.terminate(cmd)
		return ctx.Err()
	}

	h.cmd = cmd
	log.Printf("CaptureHelper[%s]: started %s", h.cfg.Kind, filepath.Base(path))
	return nil
}

func (h *HelperSource) marker() byte {
	if h.cfg.Kind == SourceMic {
		return markerMic
	}
	return markerSystem
}

// Close отправляет SIGINT и ждёт завершения helper'а, затем читателей потока
func (h *HelperSource) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil {
		return nil
	}
	h.terminate(h.cmd)
	h.cmd = nil
	log.Printf("CaptureHelper[%s]: stopped", h.cfg.Kind)
	return nil
}

func (h *HelperSource) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	done := make(chan error, 1)
	go func() {
		// Wait закрывает pipe'ы только после того, как читатели дочитали поток
		h.readers.Wait()
		done <- cmd.Wait()
	}()

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		// Windows не поддерживает SIGINT для дочерних процессов
		_ = cmd.Process.Kill()
	}

	select {
	case err := <-done:
		if err != nil && err.Error() != "signal: interrupt" {
			log.Printf("CaptureHelper[%s]: process exited with: %v", h.cfg.Kind, err)
		}
	case <-time.After(h.cfg.StopTimeout):
		log.Printf("CaptureHelper[%s]: process didn't stop gracefully, killing...", h.cfg.Kind)
		_ = cmd.Process.Kill()
		<-done
	}
}

// parseHelperStatus разбирает первую статусную строку helper'а
func parseHelperStatus(line string) (error, bool) {
	switch {
	case strings.HasPrefix(line, "READY"):
		return nil, true
	case strings.HasPrefix(line, "ERROR:"):
		msg := strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "permission") || strings.Contains(lower, "not authorized") {
			return apperr.New(apperr.KindPermissionDenied, "start capture helper", errors.New(msg)), true
		}
		return apperr.New(apperr.KindDeviceUnavailable, "start capture helper", errors.New(msg)), true
	}
	return nil, false
}

// readHelperStream читает кадры до EOF; блоки с чужим маркером пропускаются
func readHelperStream(r io.Reader, want byte, emit func([]float32)) error {
	header := make([]byte, 5)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read header: %w", err)
		}

		marker := header[0]
		sampleCount := binary.LittleEndian.Uint32(header[1:5])
		if sampleCount > maxHelperSamples {
			return fmt.Errorf("invalid sample count: %d", sampleCount)
		}
		if sampleCount == 0 {
			continue
		}

		data := make([]byte, int(sampleCount)*4)
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("failed to read audio data: %w", err)
		}

		if marker != want {
			if marker != markerMic && marker != markerSystem {
				log.Printf("Unknown channel marker: 0x%02X", marker)
			}
			continue
		}
		emit(decodeFloat32LE(data))
	}
}
