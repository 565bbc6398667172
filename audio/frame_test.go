package audio

import (
	"testing"
	"time"
)

func TestFrameDurationAndChannels(t *testing.T) {
	// Стерео: L = 1, R = 3
	samples := []float32{1, 3, 1, 3, 1, 3, 1, 3}
	f := NewFrame(SourceSystem, samples, 4, 2, time.Unix(0, 0))

	if f.Frames != 4 {
		t.Fatalf("Frames = %d, want 4", f.Frames)
	}
	if f.Duration() != time.Second {
		t.Fatalf("Duration = %v, want 1s", f.Duration())
	}
	if !f.End().Equal(time.Unix(1, 0)) {
		t.Fatalf("End = %v", f.End())
	}

	left := f.Channel(0)
	for i, v := range left {
		if v != 1 {
			t.Fatalf("left[%d] = %v, want 1", i, v)
		}
	}
	if f.Channel(2) != nil {
		t.Fatalf("expected nil for missing channel")
	}
	for i, v := range f.Mono() {
		if v != 2 {
			t.Fatalf("mono[%d] = %v, want 2", i, v)
		}
	}
}

func TestFrameMonoPassthrough(t *testing.T) {
	samples := []float32{0.1, 0.2, 0.3}
	f := NewFrame(SourceMic, samples, 48000, 1, time.Now())
	if len(f.Mono()) != 3 || len(f.Channel(0)) != 3 {
		t.Fatalf("mono frame should pass samples through")
	}
}

func TestParseSourceKind(t *testing.T) {
	tests := []struct {
		in      string
		want    SourceKind
		wantErr bool
	}{
		{"mic", SourceMic, false},
		{"Microphone", SourceMic, false},
		{"system", SourceSystem, false},
		{" sys ", SourceSystem, false},
		{"speaker", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSourceKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseSourceKind(%q) err = %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseSourceKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if SourceMic.String() != "mic" || SourceSystem.String() != "system" {
		t.Fatalf("unexpected String() values")
	}
}
