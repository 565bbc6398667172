package service

import (
	"sync"
	"testing"
	"time"

	"audiotoolkit/audio"
	"audiotoolkit/session"
)

const (
	testRate        = 16000
	testFrameLength = 1600 // 100 ms
)

var testEpoch = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

// testFrame - кадр 100 мс с постоянной амплитудой; i задаёт время кадра
func testFrame(kind audio.SourceKind, i int, amp float32) audio.Frame {
	samples := make([]float32, testFrameLength)
	for j := range samples {
		samples[j] = amp
	}
	ts := testEpoch.Add(time.Duration(i) * 100 * time.Millisecond)
	return audio.NewFrame(kind, samples, testRate, 1, ts)
}

const (
	loud  = 0.5    // ~ -6 dB
	quiet = 0.0001 // -80 dB
)

// pushFrames подаёт последовательность кадров; возвращает следующий индекс
func pushFrames(t *testing.T, src interface{ Push(audio.Frame) bool }, kind audio.SourceKind, start, n int, amp float32) int {
	t.Helper()
	for i := 0; i < n; i++ {
		if !src.Push(testFrame(kind, start+i, amp)) {
			t.Fatalf("source is not open")
		}
	}
	return start + n
}

// testSourceConfig - фиксированный порог, чтобы тишина и речь различались однозначно
func testSourceConfig() SourceConfig {
	return SourceConfig{
		Threshold: session.ThresholdConfig{Mode: session.ThresholdFixed, Fixed: -30},
		Segmenter: session.DefaultSegmenterConfig(),
		Format:    session.FormatWAV,
		QueueSize: 1024,
	}
}

// eventLog собирает события потокобезопасно
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) byType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) texts() []string {
	var out []string
	for _, e := range l.byType(EventTranscriptDelta) {
		out = append(out, e.Text)
	}
	return out
}

// waitFor ждёт выполнения условия
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
