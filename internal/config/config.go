// Package config загружает настройки audiotoolkit из YAML файла и флагов командной строки
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"audiotoolkit/ai"
	"audiotoolkit/audio"
	"audiotoolkit/models"
	"audiotoolkit/session"
)

// Config полная конфигурация сервиса
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Language    string            `yaml:"language"`
	Server      ServerConfig      `yaml:"server"`
	Capture     CaptureConfig     `yaml:"capture"`
	Segments    SegmentsConfig    `yaml:"segments"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig управляющий сервер
type ServerConfig struct {
	Port        string `yaml:"port"`         // WebSocket + /metrics
	GRPCAddress string `yaml:"grpc_address"` // unix socket или npipe:<name>; пусто - gRPC выключен
}

// CaptureConfig параметры захвата
type CaptureConfig struct {
	SampleRate       int      `yaml:"sample_rate"`
	MicChannels      int      `yaml:"mic_channels"`
	SystemChannels   int      `yaml:"system_channels"`
	PeriodFrames     int      `yaml:"period_frames"`
	MicDevice        string   `yaml:"mic_device"`
	SystemDevice     string   `yaml:"system_device"`
	SystemHelper     string   `yaml:"system_helper"`
	SystemHelperArgs []string `yaml:"system_helper_args"`
	QueueSize        int      `yaml:"queue_size"` // кадров в очереди воркера источника
}

// SourceSegmentConfig нарезка одного источника
type SourceSegmentConfig struct {
	Threshold session.ThresholdConfig `yaml:"threshold"`
	Segmenter session.SegmenterConfig `yaml:"segmenter"`
}

// SegmentsConfig запись фраз в файлы
type SegmentsConfig struct {
	Format string `yaml:"format"` // wav | mp3
	Dir    string `yaml:"dir"`    // пусто - директория записи, иначе <dir>/<id записи>
	// LevelSmoothing - сглаживание уровня в событиях loudness (0..1); 0 - без сглаживания
	LevelSmoothing float64             `yaml:"level_smoothing"`
	Mic            SourceSegmentConfig `yaml:"mic"`
	System         SourceSegmentConfig `yaml:"system"`
}

// DeepgramConfig облачный движок
type DeepgramConfig struct {
	APIKey string `yaml:"api_key"` // пусто - из DEEPGRAM_API_KEY
	Model  string `yaml:"model"`
}

// ProcessConfig внешний движок
type ProcessConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// RecognitionConfig распознавание речи
type RecognitionConfig struct {
	Engine       string         `yaml:"engine"` // sherpa | deepgram | process
	ModelID      string         `yaml:"model_id"`
	ModelsDir    string         `yaml:"models_dir"`
	Mirror       string         `yaml:"mirror"`
	AutoDownload bool           `yaml:"auto_download"`
	NumThreads   int            `yaml:"num_threads"`
	Provider     string         `yaml:"provider"`
	QueueSize    int            `yaml:"queue_size"` // кадров в очереди сессии распознавания
	Deepgram     DeepgramConfig `yaml:"deepgram"`
	Process      ProcessConfig  `yaml:"process"`
}

// LogConfig логирование
type LogConfig struct {
	File string `yaml:"file"` // пусто - stderr
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	capture := audio.DefaultCaptureConfig()
	segments := SourceSegmentConfig{
		Threshold: session.DefaultThresholdConfig(),
		Segmenter: session.DefaultSegmenterConfig(),
	}
	return &Config{
		DataDir:  "data/recordings",
		Language: session.DefaultLanguage,
		Server: ServerConfig{
			Port: "8080",
		},
		Capture: CaptureConfig{
			SampleRate:     capture.SampleRate,
			MicChannels:    capture.MicChannels,
			SystemChannels: capture.SystemChannels,
			PeriodFrames:   capture.PeriodFrames,
			QueueSize:      256,
		},
		Segments: SegmentsConfig{
			Format: string(session.FormatWAV),
			Mic:    segments,
			System: segments,
		},
		Recognition: RecognitionConfig{
			Engine:       string(ai.EngineTypeSherpa),
			ModelID:      models.Registry[0].ID,
			Mirror:       models.DefaultMirror,
			AutoDownload: true,
			NumThreads:   2,
			Provider:     "auto",
			QueueSize:    512,
			Deepgram: DeepgramConfig{
				Model: "nova-3",
			},
		},
	}
}

// Load читает файл (флаг -config) и применяет флаги поверх него
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("audiotoolkit", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	dataDir := fs.String("data", "", "Directory for recordings")
	modelsDir := fs.String("models", "", "Directory for downloaded models (default: dataDir/../models)")
	port := fs.String("port", "", "Control server port")
	grpcAddr := fs.String("grpc", "", "gRPC address (unix socket path or npipe:<name>)")
	language := fs.String("language", "", "Recognition language (BCP-47)")
	engine := fs.String("engine", "", "Recognition engine: sherpa, deepgram, process")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return nil, err
		}
	}

	// флаги переопределяют файл только если заданы явно
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.DataDir = *dataDir
		case "models":
			cfg.Recognition.ModelsDir = *modelsDir
		case "port":
			cfg.Server.Port = *port
		case "grpc":
			cfg.Server.GRPCAddress = *grpcAddr
		case "language":
			cfg.Language = *language
		case "engine":
			cfg.Recognition.Engine = *engine
		}
	})

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyDerived заполняет значения, зависящие от других полей
func (c *Config) applyDerived() {
	if c.Recognition.ModelsDir == "" {
		c.Recognition.ModelsDir = filepath.Join(filepath.Dir(c.DataDir), "models")
	}
	if c.Recognition.Deepgram.APIKey == "" {
		c.Recognition.Deepgram.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if c.Language == "" {
		c.Language = session.DefaultLanguage
	}
}

// Validate проверяет конфигурацию целиком
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	if err := c.Segments.Validate(); err != nil {
		return fmt.Errorf("segments config: %w", err)
	}
	if err := c.Recognition.Validate(); err != nil {
		return fmt.Errorf("recognition config: %w", err)
	}
	return nil
}

// Validate проверяет настройки сервера
func (s *ServerConfig) Validate() error {
	if s.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	return nil
}

// Validate проверяет параметры захвата
func (c *CaptureConfig) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000, got %d", c.SampleRate)
	}
	if c.MicChannels < 1 || c.MicChannels > 2 {
		return fmt.Errorf("mic_channels must be 1 or 2, got %d", c.MicChannels)
	}
	if c.SystemChannels < 1 || c.SystemChannels > 2 {
		return fmt.Errorf("system_channels must be 1 or 2, got %d", c.SystemChannels)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	return nil
}

// Validate проверяет настройки нарезки
func (s *SegmentsConfig) Validate() error {
	if _, err := session.ParseFormat(s.Format); err != nil {
		return err
	}
	if s.LevelSmoothing < 0 || s.LevelSmoothing >= 1 {
		return fmt.Errorf("level_smoothing must be in [0, 1), got %v", s.LevelSmoothing)
	}
	for name, src := range map[string]SourceSegmentConfig{"mic": s.Mic, "system": s.System} {
		if err := src.Threshold.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := src.Segmenter.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Validate проверяет настройки распознавания
func (r *RecognitionConfig) Validate() error {
	switch ai.EngineType(strings.ToLower(r.Engine)) {
	case ai.EngineTypeSherpa:
		if models.GetModelByID(r.ModelID) == nil {
			return fmt.Errorf("unknown model_id: %q", r.ModelID)
		}
	case ai.EngineTypeDeepgram:
	case ai.EngineTypeProcess:
		if r.Process.Path == "" {
			return fmt.Errorf("process.path cannot be empty for process engine")
		}
	default:
		return fmt.Errorf("unknown engine: %q", r.Engine)
	}
	if r.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", r.QueueSize)
	}
	return nil
}

// CaptureSettings переводит конфигурацию в настройки audio.Capture
func (c *Config) CaptureSettings() audio.CaptureConfig {
	return audio.CaptureConfig{
		SampleRate:       c.Capture.SampleRate,
		MicChannels:      c.Capture.MicChannels,
		SystemChannels:   c.Capture.SystemChannels,
		PeriodFrames:     c.Capture.PeriodFrames,
		MicDevice:        c.Capture.MicDevice,
		SystemDevice:     c.Capture.SystemDevice,
		SystemHelper:     c.Capture.SystemHelper,
		SystemHelperArgs: c.Capture.SystemHelperArgs,
	}
}

// SegmentsFor возвращает настройки нарезки источника
func (c *Config) SegmentsFor(kind audio.SourceKind) SourceSegmentConfig {
	if kind == audio.SourceSystem {
		return c.Segments.System
	}
	return c.Segments.Mic
}
