package session

import (
	"path/filepath"
	"testing"
	"time"

	"audiotoolkit/audio"
)

func TestReadMonoStereoWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	w, err := NewWAVWriter(path, 32000, 2)
	if err != nil {
		t.Fatalf("NewWAVWriter: %v", err)
	}
	samples := make([]float32, 0, 64000)
	for i := 0; i < 32000; i++ {
		samples = append(samples, 0.5, 0)
	}
	if err := w.Write(samples); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mono, rate, err := ReadMono(path, 16000)
	if err != nil {
		t.Fatalf("ReadMono: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want 16000", rate)
	}
	if len(mono) != 16000 {
		t.Fatalf("len = %d, want 16000", len(mono))
	}
	if mono[100] < 0.24 || mono[100] > 0.26 {
		t.Fatalf("mono sample = %v, want ~0.25", mono[100])
	}
}

func TestReadMonoUnsupported(t *testing.T) {
	if _, _, err := ReadMono("/tmp/file.ogg", 16000); err == nil {
		t.Fatalf("expected error for unsupported extension")
	}
}

func TestResample(t *testing.T) {
	in := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	out := Resample(in, 2, 1)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	if out[1] != 2 {
		t.Fatalf("out[1] = %v, want 2", out[1])
	}
	if same := Resample(in, 8, 8); len(same) != len(in) {
		t.Fatalf("same rate should return input")
	}
}

func TestMP3WriterRejectsUnsupportedRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.mp3")
	if _, err := NewMP3Sink(path, 11025, 1); err == nil {
		t.Fatalf("expected error for 11025 Hz")
	}
	sink, err := NewFileSink(path, FormatMP3, 48000, 1)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	frame := audio.NewFrame(audio.SourceMic, make([]float32, 4800), 48000, 1, time.Now())
	if err := sink.Write(frame.Samples); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
