// Ручная проверка захвата и нарезки на фразы без распознавания
// Запуск: go run ./cmd/capturecheck -out segments -system
// Остановка: Ctrl+C

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"audiotoolkit/audio"
	"audiotoolkit/internal/service"
	"audiotoolkit/session"
)

func main() {
	outDir := flag.String("out", "capturecheck", "Directory for recordings")
	system := flag.Bool("system", false, "Capture system audio too")
	duration := flag.Duration("duration", 0, "Stop after this duration (0 - until Ctrl+C)")
	threshold := flag.Float64("threshold", 0, "Fixed threshold in dB (0 - adaptive)")
	format := flag.String("format", "wav", "Segment format: wav or mp3")
	flag.Parse()

	segFormat, err := session.ParseFormat(*format)
	if err != nil {
		log.Fatalf("Invalid format: %v", err)
	}
	thr := session.DefaultThresholdConfig()
	if *threshold != 0 {
		thr = session.ThresholdConfig{Mode: session.ThresholdFixed, Fixed: *threshold}
	}
	src := service.SourceConfig{
		Threshold:      thr,
		Segmenter:      session.DefaultSegmenterConfig(),
		Format:         segFormat,
		LevelSmoothing: 0.3,
	}

	recordings, err := session.NewManager(*outDir)
	if err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}
	toolkit := service.New(service.Options{
		Backend:    audio.NewCapture(audio.DefaultCaptureConfig()),
		Recordings: recordings,
		Sources:    map[audio.SourceKind]service.SourceConfig{audio.SourceMic: src, audio.SourceSystem: src},
	})

	// уровни печатаем раз в секунду, сегменты - сразу
	var (
		mu        sync.Mutex
		lastLevel = map[string]time.Time{}
	)
	toolkit.Subscribe(func(e service.Event) {
		switch e.Type {
		case service.EventLoudness:
			mu.Lock()
			due := time.Since(lastLevel[e.Name]) >= time.Second
			if due {
				lastLevel[e.Name] = time.Now()
			}
			mu.Unlock()
			if due {
				log.Printf("%-6s %6.1f dB", e.Name, e.DB)
			}
		case service.EventSegmentReady:
			log.Printf("%-6s segment %s", e.Name, e.Path)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	start := context.Background()
	if err := toolkit.InitCapture(start); err != nil {
		log.Fatalf("Failed to init capture: %v", err)
	}
	if err := toolkit.StartMicCapture(start); err != nil {
		log.Fatalf("Failed to start mic: %v", err)
	}
	if *system {
		if err := toolkit.StartSystemCapture(start); err != nil {
			log.Printf("System audio unavailable: %v", err)
		}
	}
	// без распознавателя запись идёт только с нарезкой
	if err := toolkit.StartRecording(start, ""); err != nil {
		log.Fatalf("Failed to start recording: %v", err)
	}
	log.Println("Recording... press Ctrl+C to stop")

	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	path, err := toolkit.StopRecording(shutdown)
	if err != nil {
		log.Printf("Failed to stop recording: %v", err)
	}
	if err := toolkit.Close(shutdown); err != nil {
		log.Printf("Failed to stop capture: %v", err)
	}

	for _, rec := range toolkit.Recordings() {
		log.Printf("Recording %s: %d segments", rec.ID, len(rec.Segments))
	}
	if path != "" {
		log.Printf("Last segment: %s", path)
	}
}
