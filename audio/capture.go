package audio

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"audiotoolkit/internal/apperr"
)

// DeviceID - алиас для malgo.DeviceID
type DeviceID = malgo.DeviceID

// CaptureConfig - параметры захвата через miniaudio
type CaptureConfig struct {
	SampleRate     int
	MicChannels    int
	SystemChannels int
	// PeriodFrames - размер буфера callback'а микрофона в кадрах (0 - по умолчанию драйвера)
	PeriodFrames int
	// MicDevice - имя или часть имени устройства микрофона ("" - системное по умолчанию)
	MicDevice string
	// SystemDevice - loopback устройство (BlackHole, *.monitor); на Windows используется WASAPI loopback
	SystemDevice string
	// SystemHelper - внешний helper, отдающий PCM системного звука в stdout
	SystemHelper     string
	SystemHelperArgs []string
}

// DefaultCaptureConfig возвращает настройки: микрофон 48kHz моно, системный звук 48kHz стерео
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:     48000,
		MicChannels:    1,
		SystemChannels: 2,
		PeriodFrames:   512,
	}
}

// Capture управляет контекстом miniaudio и создаёт источники захвата
type Capture struct {
	cfg CaptureConfig

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// NewCapture создаёт backend захвата; контекст инициализируется в Init
func NewCapture(cfg CaptureConfig) *Capture {
	def := DefaultCaptureConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MicChannels <= 0 {
		cfg.MicChannels = def.MicChannels
	}
	if cfg.SystemChannels <= 0 {
		cfg.SystemChannels = def.SystemChannels
	}
	return &Capture{cfg: cfg}
}

// Init инициализирует контекст miniaudio. Повторный вызов ничего не делает.
func (c *Capture) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Printf("miniaudio: %s", strings.TrimSpace(message))
	})
	if err != nil {
		return apperr.New(apperr.KindDeviceUnavailable, "init capture", err)
	}
	c.ctx = mctx
	log.Printf("Capture: miniaudio context initialized (rate=%d)", c.cfg.SampleRate)
	return nil
}

func (c *Capture) context() (*malgo.AllocatedContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil, apperr.ErrNotInitialized
	}
	return c.ctx, nil
}

// Source возвращает источник захвата для указанного канала
func (c *Capture) Source(kind SourceKind) (Source, error) {
	switch kind {
	case SourceMic:
		return &deviceSource{
			capture:    c,
			kind:       kind,
			deviceType: malgo.Capture,
			deviceName: c.cfg.MicDevice,
			channels:   c.cfg.MicChannels,
			period:     c.cfg.PeriodFrames,
		}, nil
	case SourceSystem:
		if c.cfg.SystemHelper != "" {
			return NewHelperSource(HelperConfig{
				Path:       c.cfg.SystemHelper,
				Args:       c.cfg.SystemHelperArgs,
				Kind:       SourceSystem,
				SampleRate: c.cfg.SampleRate,
				Channels:   c.cfg.SystemChannels,
			}), nil
		}
		src := &deviceSource{
			capture:    c,
			kind:       kind,
			deviceType: malgo.Capture,
			deviceName: c.cfg.SystemDevice,
			channels:   c.cfg.SystemChannels,
		}
		if runtime.GOOS == "windows" && c.cfg.SystemDevice == "" {
			// WASAPI loopback захватывает устройство воспроизведения по умолчанию
			src.deviceType = malgo.Loopback
		}
		return src, nil
	}
	return nil, fmt.Errorf("unknown source kind: %v", kind)
}

// Devices возвращает список доступных аудио устройств
func (c *Capture) Devices() ([]AudioDevice, error) {
	mctx, err := c.context()
	if err != nil {
		return nil, err
	}

	var devices []AudioDevice

	captureDevices, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	for _, dev := range captureDevices {
		devices = append(devices, AudioDevice{
			ID:      deviceIDToString(dev.ID),
			Name:    dev.Name(),
			IsInput: true,
		})
	}

	// Устройства воспроизведения - для информации (loopback)
	playbackDevices, err := mctx.Devices(malgo.Playback)
	if err != nil {
		log.Printf("Warning: failed to enumerate playback devices: %v", err)
		return devices, nil
	}
	for _, dev := range playbackDevices {
		name := dev.Name()
		found := false
		for i := range devices {
			if devices[i].Name == name {
				devices[i].IsOutput = true
				found = true
				break
			}
		}
		if !found {
			devices = append(devices, AudioDevice{
				ID:       deviceIDToString(dev.ID),
				Name:     name,
				IsOutput: true,
			})
		}
	}
	return devices, nil
}

// findDeviceByName ищет устройство по имени (частичное совпадение)
func (c *Capture) findDeviceByName(name string, deviceType malgo.DeviceType) (*malgo.DeviceID, error) {
	mctx, err := c.context()
	if err != nil {
		return nil, err
	}
	devices, err := mctx.Devices(deviceType)
	if err != nil {
		return nil, err
	}

	nameLower := strings.ToLower(name)
	for _, dev := range devices {
		if strings.Contains(strings.ToLower(dev.Name()), nameLower) {
			id := dev.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

// Close освобождает контекст miniaudio
func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return
	}
	_ = c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	log.Println("Capture: miniaudio context released")
}

// deviceSource - tap на устройстве miniaudio
type deviceSource struct {
	capture    *Capture
	kind       SourceKind
	deviceType malgo.DeviceType
	deviceName string
	channels   int
	period     int

	mu     sync.Mutex
	device *malgo.Device
}

func (s *deviceSource) Kind() SourceKind { return s.kind }

// RequestPermission: miniaudio не имеет API разрешений, ОС спрашивает при открытии устройства.
// Проверяем только, что контекст готов и устройство найдено.
func (s *deviceSource) RequestPermission(ctx context.Context) error {
	if _, err := s.capture.context(); err != nil {
		return err
	}
	if s.needsNamedDevice() {
		if _, err := s.capture.findDeviceByName(s.deviceName, malgo.Capture); err != nil {
			return apperr.New(apperr.KindDeviceUnavailable, "find "+s.kind.String()+" device", err)
		}
	}
	return nil
}

func (s *deviceSource) needsNamedDevice() bool {
	return s.deviceName != "" && s.deviceName != "default"
}

func (s *deviceSource) Open(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return nil
	}

	mctx, err := s.capture.context()
	if err != nil {
		return err
	}

	if s.kind == SourceSystem && s.deviceType != malgo.Loopback && !s.needsNamedDevice() {
		return apperr.Errorf(apperr.KindDeviceUnavailable, "open system capture",
			"no loopback device configured for %s", runtime.GOOS)
	}

	deviceConfig := malgo.DefaultDeviceConfig(s.deviceType)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(s.channels)
	deviceConfig.SampleRate = uint32(s.capture.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1
	if s.period > 0 {
		deviceConfig.PeriodSizeInFrames = uint32(s.period)
	}

	if s.needsNamedDevice() {
		id, err := s.capture.findDeviceByName(s.deviceName, malgo.Capture)
		if err != nil {
			return apperr.New(apperr.KindDeviceUnavailable, "open "+s.kind.String()+" capture", err)
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	channels := s.channels
	rate := s.capture.cfg.SampleRate
	kind := s.kind
	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		sampleCount := int(framecount) * channels
		if len(pInputSamples) < sampleCount*4 {
			return
		}
		samples := decodeFloat32LE(pInputSamples[:sampleCount*4])
		handler(NewFrame(kind, samples, rate, channels, time.Now()))
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return apperr.New(apperr.KindDeviceUnavailable, "init "+s.kind.String()+" device", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return apperr.New(apperr.KindDeviceUnavailable, "start "+s.kind.String()+" device", err)
	}
	s.device = device

	log.Printf("Capture[%s]: started (rate=%d, channels=%d)", s.kind, rate, channels)
	return nil
}

func (s *deviceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	// Uninit останавливает устройство и дожидается завершения callback'а
	s.device.Uninit()
	s.device = nil
	log.Printf("Capture[%s]: stopped", s.kind)
	return nil
}

// Вспомогательные функции для конвертации DeviceID
func deviceIDToString(id malgo.DeviceID) string {
	var result strings.Builder
	for _, b := range id[:32] {
		if b == 0 {
			break
		}
		result.WriteByte(b)
	}
	return result.String()
}
