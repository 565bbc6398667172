package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"audiotoolkit/internal/apperr"
)

func writeHelperBlock(buf *bytes.Buffer, marker byte, samples []float32) {
	buf.WriteByte(marker)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(samples)))
	for _, s := range samples {
		_ = binary.Write(buf, binary.LittleEndian, math.Float32bits(s))
	}
}

func TestReadHelperStreamFiltersByMarker(t *testing.T) {
	var buf bytes.Buffer
	writeHelperBlock(&buf, markerSystem, []float32{0.5, -0.5})
	writeHelperBlock(&buf, markerMic, []float32{1, 1, 1})
	writeHelperBlock(&buf, markerSystem, []float32{0.25})

	var got [][]float32
	err := readHelperStream(&buf, markerSystem, func(s []float32) {
		got = append(got, s)
	})
	if err != nil {
		t.Fatalf("readHelperStream: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d blocks, want 2", len(got))
	}
	if got[0][0] != 0.5 || got[0][1] != -0.5 || got[1][0] != 0.25 {
		t.Fatalf("unexpected samples: %v", got)
	}
}

func TestReadHelperStreamTruncated(t *testing.T) {
	var buf bytes.Buffer
	writeHelperBlock(&buf, markerSystem, []float32{0.5, 0.5})
	data := buf.Bytes()[:buf.Len()-2]

	err := readHelperStream(bytes.NewReader(data), markerSystem, func([]float32) {})
	if err == nil {
		t.Fatalf("expected error for truncated block")
	}
}

func TestParseHelperStatus(t *testing.T) {
	if err, ok := parseHelperStatus("READY mode=system"); !ok || err != nil {
		t.Fatalf("READY: ok=%v err=%v", ok, err)
	}
	err, ok := parseHelperStatus("ERROR: screen recording permission not granted")
	if !ok || !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("permission error not classified: %v", err)
	}
	err, ok = parseHelperStatus("ERROR: no output device")
	if !ok || !errors.Is(err, apperr.ErrDeviceUnavailable) {
		t.Fatalf("device error not classified: %v", err)
	}
	if _, ok := parseHelperStatus("tap created"); ok {
		t.Fatalf("log line treated as status")
	}
}
