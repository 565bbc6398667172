package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"audiotoolkit/audio"
)

func TestManagerRecordingLifecycle(t *testing.T) {
	dataDir := t.TempDir()
	m, err := NewManager(dataDir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	rec, err := m.CreateRecording("vi-VN")
	if err != nil {
		t.Fatalf("CreateRecording: %v", err)
	}
	if _, err := m.CreateRecording("en-US"); err == nil {
		t.Fatalf("second active recording must fail")
	}

	seg := Segment{
		Source:   audio.SourceMic,
		SourceID: "mic",
		Path:     filepath.Join(rec.DataDir, "a_mic.wav"),
		Frames:   48000,
		Duration: time.Second,
	}
	if err := m.AddSegment(seg); err != nil {
		t.Fatalf("AddSegment: %v", err)
	}
	m.AppendTranscript("mic", "hello")
	m.AppendTranscript("mic", " world")

	done, err := m.FinishRecording(RecordingStatusCompleted)
	if err != nil {
		t.Fatalf("FinishRecording: %v", err)
	}
	snap := done.Snapshot()
	if snap.Status != RecordingStatusCompleted || snap.EndTime == nil {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Transcripts["mic"] != "hello world" {
		t.Fatalf("transcript = %q", snap.Transcripts["mic"])
	}
	if m.ActiveRecording() != nil {
		t.Fatalf("no recording should be active")
	}

	if _, err := os.Stat(filepath.Join(rec.DataDir, "meta.json")); err != nil {
		t.Fatalf("meta.json not written: %v", err)
	}

	// Перезагрузка с диска
	m2, err := NewManager(dataDir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	loaded, err := m2.GetRecording(rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	info := loaded.Snapshot()
	if len(info.Segments) != 1 || info.Segments[0].Frames != 48000 || info.Language != "vi-VN" {
		t.Fatalf("loaded recording mismatch: %+v", info)
	}
	if info.Transcripts["mic"] != "hello world" {
		t.Fatalf("loaded transcript = %q", info.Transcripts["mic"])
	}
}

func TestManagerInterruptedRecordingMarkedFailed(t *testing.T) {
	dataDir := t.TempDir()
	m, _ := NewManager(dataDir)
	rec, err := m.CreateRecording("en-US")
	if err != nil {
		t.Fatalf("CreateRecording: %v", err)
	}

	m2, _ := NewManager(dataDir)
	loaded, err := m2.GetRecording(rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if loaded.Snapshot().Status != RecordingStatusFailed {
		t.Fatalf("interrupted recording should be marked failed")
	}
}

func TestManagerDeleteRecording(t *testing.T) {
	m, _ := NewManager(t.TempDir())
	rec, _ := m.CreateRecording("en-US")

	if err := m.DeleteRecording(rec.ID); err == nil {
		t.Fatalf("deleting the active recording must fail")
	}
	if _, err := m.FinishRecording(RecordingStatusCompleted); err != nil {
		t.Fatalf("FinishRecording: %v", err)
	}
	if err := m.DeleteRecording(rec.ID); err != nil {
		t.Fatalf("DeleteRecording: %v", err)
	}
	if _, err := os.Stat(rec.DataDir); !os.IsNotExist(err) {
		t.Fatalf("recording dir still exists")
	}
	if len(m.ListRecordings()) != 0 {
		t.Fatalf("recording still listed")
	}
}
