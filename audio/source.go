package audio

import "context"

// Handler получает кадры из callback-потока захвата.
// Handler не должен блокироваться: он вызывается из аудио потока.
type Handler func(Frame)

// Source - один источник захвата (микрофон или системный звук)
type Source interface {
	Kind() SourceKind
	// RequestPermission проверяет/запрашивает доступ к устройству
	RequestPermission(ctx context.Context) error
	// Open устанавливает tap и начинает доставку кадров в handler
	Open(ctx context.Context, handler Handler) error
	// Close снимает tap; после возврата handler больше не вызывается
	Close() error
}

// Backend создаёт источники захвата
type Backend interface {
	Init(ctx context.Context) error
	Source(kind SourceKind) (Source, error)
	Devices() ([]AudioDevice, error)
	Close()
}

// AudioDevice представляет аудио устройство
type AudioDevice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsInput  bool   `json:"isInput"`
	IsOutput bool   `json:"isOutput"`
}
