package service

import (
	"encoding/json"
	"strings"
	"testing"

	"audiotoolkit/audio"
)

func TestEventJSONKeepsFullScaleLevel(t *testing.T) {
	e := newEvent(EventLoudness, audio.SourceMic)
	e.DB = 0

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"db":0`) {
		t.Fatalf("db missing from %s", raw)
	}
	if !strings.Contains(string(raw), `"source":"mic"`) {
		t.Fatalf("source missing from %s", raw)
	}
}
