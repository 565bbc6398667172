package ai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"audiotoolkit/internal/apperr"
)

func TestDeepgramBuildURL(t *testing.T) {
	r, err := NewDeepgramRecognizer("key", WithDeepgramModel("nova-2"))
	if err != nil {
		t.Fatalf("NewDeepgramRecognizer: %v", err)
	}

	raw, err := r.buildURL(deepgramStreamEndpoint, "vi-VN", 48000, true)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()
	want := map[string]string{
		"model":           "nova-2",
		"language":        "vi-VN",
		"punctuate":       "true",
		"encoding":        "linear16",
		"sample_rate":     "48000",
		"channels":        "1",
		"interim_results": "true",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}

	raw, _ = r.buildURL(deepgramFileEndpoint, "", 16000, false)
	u, _ = url.Parse(raw)
	if u.Query().Has("interim_results") || u.Query().Has("language") {
		t.Fatalf("unexpected params in file URL: %s", raw)
	}
}

func TestNewDeepgramRecognizerEmptyKey(t *testing.T) {
	_, err := NewDeepgramRecognizer("")
	if !errors.Is(err, apperr.ErrRecognizerUnavailable) {
		t.Fatalf("expected RecognizerUnavailable, got %v", err)
	}
}

func TestParseDeepgramResponse(t *testing.T) {
	msg := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"xin chào","confidence":0.93}]}}`
	tr, ok := parseDeepgramResponse([]byte(msg))
	if !ok {
		t.Fatal("expected transcript")
	}
	if tr.Text != "xin chào" || !tr.IsFinal || tr.Confidence < 0.92 {
		t.Fatalf("unexpected transcript %+v", tr)
	}

	for _, raw := range []string{
		`{"type":"Metadata","request_id":"x"}`,
		`{"type":"Results","channel":{"alternatives":[]}}`,
		`not json`,
	} {
		if _, ok := parseDeepgramResponse([]byte(raw)); ok {
			t.Fatalf("expected %q to be ignored", raw)
		}
	}
}

func TestEncodePCM16(t *testing.T) {
	buf := encodePCM16([]float32{0, 1, -1, 2})
	if len(buf) != 8 {
		t.Fatalf("len = %d", len(buf))
	}
	// 1.0 -> 32767 = 0x7fff, -1.0 -> -32767 = 0x8001, 2.0 клиппируется
	if buf[2] != 0xff || buf[3] != 0x7f || buf[4] != 0x01 || buf[5] != 0x80 || buf[7] != 0x7f {
		t.Fatalf("unexpected bytes % x", buf)
	}
}

func TestDeepgramStreamRoundTrip(t *testing.T) {
	received := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		bytesIn := 0
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				bytesIn += len(data)
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				break
			}
		}
		received <- bytesIn

		for _, m := range []string{
			`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world"}]}}`,
			`{"type":"Metadata"}`,
		} {
			if err := c.Write(ctx, websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	r, _ := NewDeepgramRecognizer("key", WithDeepgramEndpoints(wsURL, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := r.NewStream(ctx, StreamConfig{Language: "en", SampleRate: 16000})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer stream.Close()

	if err := stream.Feed(make([]float32, 1600), 16000); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := stream.Feed(make([]float32, 3200), 32000); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := stream.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	var texts []string
	for tr := range stream.Results() {
		texts = append(texts, tr.Text)
	}
	if len(texts) == 0 || texts[len(texts)-1] != "hello world" {
		t.Fatalf("unexpected transcripts %q", texts)
	}
	if texts[0] != "hello" {
		t.Fatalf("first update = %q, want hello", texts[0])
	}
	// второй чанк пересэмплирован 32k -> 16k: 1600 + 1600 семплов по 2 байта
	if got := <-received; got != 6400 {
		t.Fatalf("server received %d bytes, want 6400", got)
	}
	if err := stream.Feed(make([]float32, 10), 16000); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after finish, got %v", err)
	}
}

func TestDeepgramStreamDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	r, _ := NewDeepgramRecognizer("bad", WithDeepgramEndpoints("ws"+strings.TrimPrefix(srv.URL, "http"), ""))
	_, err := r.NewStream(context.Background(), StreamConfig{Language: "en", SampleRate: 16000})
	if !errors.Is(err, apperr.ErrRecognizerUnavailable) {
		t.Fatalf("expected RecognizerUnavailable, got %v", err)
	}
}

func TestDeepgramRecognizeSamples(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("encoding") != "linear16" || q.Get("sample_rate") != "16000" {
			http.Error(w, "bad params", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) != 320 {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results":{"channels":[{"alternatives":[{"transcript":"from file","confidence":0.9}]}]}}`)
	}))
	defer srv.Close()

	r, _ := NewDeepgramRecognizer("key", WithDeepgramEndpoints("", srv.URL))
	text, err := r.RecognizeSamples(context.Background(), make([]float32, 160), 16000, "en")
	if err != nil {
		t.Fatalf("RecognizeSamples: %v", err)
	}
	if text != "from file" {
		t.Fatalf("text = %q", text)
	}
}

func TestDeepgramRecognizeSamplesBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	r, _ := NewDeepgramRecognizer("key", WithDeepgramEndpoints("", srv.URL))
	if _, err := r.RecognizeSamples(context.Background(), make([]float32, 16), 16000, "en"); !errors.Is(err, apperr.ErrRecognizerUnavailable) {
		t.Fatalf("expected RecognizerUnavailable, got %v", err)
	}
}
