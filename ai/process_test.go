package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"
)

// fakeEngine отвечает по протоколу JSON lines; samples получает общее число семплов
func fakeEngine(stdin io.ReadCloser, stdout io.WriteCloser, initErr string, samples chan<- int) {
	defer stdin.Close()
	defer stdout.Close()
	total := 0
	write := func(v string) { fmt.Fprintln(stdout, v) }

	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var cmd streamCommand
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
			write(`{"type":"error","message":"bad command"}`)
			return
		}
		switch cmd.Command {
		case "init":
			if initErr != "" {
				write(fmt.Sprintf(`{"type":"error","message":%q}`, initErr))
				return
			}
			write(`{"type":"ready"}`)
		case "stream":
			n := len(cmd.Samples)
			if cmd.SamplesBase64 != nil {
				raw, _ := base64.StdEncoding.DecodeString(*cmd.SamplesBase64)
				buf := make([]float32, len(raw)/4)
				_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, buf)
				n = len(buf)
			}
			total += n
			if total > 1000 {
				write(`{"type":"update","text":"hello","is_confirmed":false,"confidence":0.5}`)
			}
		case "finish":
			samples <- total
			write(`{"type":"final","text":"hello world"}`)
		case "exit":
			return
		}
	}
}

func startFakeStream(t *testing.T, initErr string) (*processStream, chan int, error) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	samples := make(chan int, 1)
	go fakeEngine(stdinR, stdoutW, initErr, samples)

	s := newProcessStream(stdinW, stdoutR)
	s.stopProcess = func() { _ = stdinR.Close() }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.start(ctx, t.TempDir(), StreamConfig{Language: "en", SampleRate: 16000})
	return s, samples, err
}

func TestProcessStreamProtocol(t *testing.T) {
	s, samples, err := startFakeStream(t, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	// 2000 семплов уходят base64, 10 - массивом
	if err := s.Feed(make([]float32, 2000), 16000); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := s.Feed(make([]float32, 10), 16000); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if got := <-samples; got != 2010 {
		t.Fatalf("engine received %d samples, want 2010", got)
	}

	var last Transcript
	count := 0
	for tr := range s.Results() {
		last = tr
		count++
	}
	if count < 2 {
		t.Fatalf("expected update and final, got %d transcripts", count)
	}
	if last.Text != "hello world" || !last.IsFinal {
		t.Fatalf("unexpected final %+v", last)
	}
	if s.Err() != nil {
		t.Fatalf("unexpected stream error: %v", s.Err())
	}
}

func TestProcessStreamInitError(t *testing.T) {
	s, _, err := startFakeStream(t, "model missing")
	defer s.Close()
	if err == nil {
		t.Fatal("expected init error")
	}
}

func TestEncodeStreamCommand(t *testing.T) {
	small := encodeStreamCommand(make([]float32, 10))
	if small.SamplesBase64 != nil || len(small.Samples) != 10 {
		t.Fatalf("small chunk should be sent as array")
	}
	big := encodeStreamCommand(make([]float32, 1001))
	if big.SamplesBase64 == nil || big.Samples != nil {
		t.Fatalf("big chunk should be sent as base64")
	}
	raw, err := base64.StdEncoding.DecodeString(*big.SamplesBase64)
	if err != nil || len(raw) != 1001*4 {
		t.Fatalf("unexpected payload: %d bytes, %v", len(raw), err)
	}
}
