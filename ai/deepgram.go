package ai

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"audiotoolkit/internal/apperr"
	"audiotoolkit/models"
	"audiotoolkit/session"
)

const (
	deepgramStreamEndpoint = "wss://api.deepgram.com/v1/listen"
	deepgramFileEndpoint   = "https://api.deepgram.com/v1/listen"
	deepgramDefaultModel   = "nova-3"
)

// DeepgramOption настраивает DeepgramRecognizer
type DeepgramOption func(*DeepgramRecognizer)

// WithDeepgramModel задаёт модель Deepgram (nova-3, nova-2, base)
func WithDeepgramModel(model string) DeepgramOption {
	return func(r *DeepgramRecognizer) { r.model = model }
}

// WithDeepgramEndpoints переопределяет адреса API (для прокси и тестов)
func WithDeepgramEndpoints(stream, file string) DeepgramOption {
	return func(r *DeepgramRecognizer) {
		if stream != "" {
			r.streamEndpoint = stream
		}
		if file != "" {
			r.fileEndpoint = file
		}
	}
}

// WithDeepgramLanguages ограничивает поддерживаемые языки
func WithDeepgramLanguages(langs ...string) DeepgramOption {
	return func(r *DeepgramRecognizer) { r.languages = langs }
}

// WithDeepgramHTTPClient задаёт HTTP клиент для распознавания файлов
func WithDeepgramHTTPClient(c *http.Client) DeepgramOption {
	return func(r *DeepgramRecognizer) { r.httpClient = c }
}

// DeepgramRecognizer - облачный распознаватель Deepgram (WebSocket streaming + REST для файлов)
type DeepgramRecognizer struct {
	apiKey         string
	model          string
	languages      []string
	streamEndpoint string
	fileEndpoint   string
	httpClient     *http.Client
}

// NewDeepgramRecognizer создаёт распознаватель; apiKey обязателен
func NewDeepgramRecognizer(apiKey string, opts ...DeepgramOption) (*DeepgramRecognizer, error) {
	if apiKey == "" {
		return nil, apperr.Errorf(apperr.KindRecognizerUnavailable, "deepgram.new", "api key must not be empty")
	}
	r := &DeepgramRecognizer{
		apiKey:         apiKey,
		model:          deepgramDefaultModel,
		streamEndpoint: deepgramStreamEndpoint,
		fileEndpoint:   deepgramFileEndpoint,
		httpClient:     &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *DeepgramRecognizer) Name() string { return "deepgram" }

func (r *DeepgramRecognizer) Supports(language string) bool {
	return models.MatchLanguage(r.languages, language)
}

// buildURL собирает адрес с параметрами запроса
func (r *DeepgramRecognizer) buildURL(endpoint, language string, sampleRate int, interim bool) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", r.model)
	if language != "" {
		q.Set("language", language)
	}
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	if interim {
		q.Set("interim_results", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *DeepgramRecognizer) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+r.apiKey)
	return h
}

// NewStream подключается к streaming API; ошибка подключения -> RecognizerUnavailable
func (r *DeepgramRecognizer) NewStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	const op = "deepgram.stream"
	if !r.Supports(cfg.Language) {
		return nil, apperr.Errorf(apperr.KindRecognizerUnavailable, op, "language %q is not supported", cfg.Language)
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	wsURL, err := r.buildURL(r.streamEndpoint, cfg.Language, rate, true)
	if err != nil {
		return nil, apperr.New(apperr.KindRecognizerUnavailable, op, fmt.Errorf("failed to build url: %w", err))
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: r.authHeader()})
	if err != nil {
		return nil, apperr.New(apperr.KindRecognizerUnavailable, op, fmt.Errorf("failed to dial: %w", err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	quit := make(chan struct{})
	s := &deepgramStream{
		conn:   conn,
		rate:   rate,
		ctx:    loopCtx,
		cancel: cancel,
		quit:   quit,
		input:  newInputQueue(256, quit),
		pipe:   newResultPipe(64, quit),
	}
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

type deepgramStream struct {
	conn *websocket.Conn
	rate int

	ctx    context.Context
	cancel context.CancelFunc

	input *inputQueue
	pipe  *resultPipe
	acc   accumulator

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	finishing bool
}

func (s *deepgramStream) Feed(samples []float32, sampleRate int) error {
	if sampleRate != s.rate {
		samples = session.Resample(samples, sampleRate, s.rate)
	}
	return s.input.push(samples, s.rate)
}

func (s *deepgramStream) Results() <-chan Transcript { return s.pipe.results }

func (s *deepgramStream) Err() error { return s.pipe.Err() }

// Finish отправляет CloseStream; Deepgram досылает результаты и закрывает соединение
func (s *deepgramStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	s.finishing = true
	s.mu.Unlock()
	s.input.close()
	return s.pipe.wait(ctx)
}

func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.input.close()
		s.cancel()
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *deepgramStream) isFinishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishing
}

// writeLoop отправляет аудио бинарными сообщениями, по закрытию входа - CloseStream
func (s *deepgramStream) writeLoop() {
	defer s.wg.Done()
	for c := range s.input.ch {
		if err := s.conn.Write(s.ctx, websocket.MessageBinary, encodePCM16(c.samples)); err != nil {
			log.Printf("Deepgram: write failed: %v", err)
			s.cancel()
			// дочитываем вход, чтобы Feed не блокировался
			for range s.input.ch {
			}
			return
		}
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		log.Printf("Deepgram: close stream failed: %v", err)
	}
}

// readLoop разбирает ответы и публикует полный накопленный текст
func (s *deepgramStream) readLoop() {
	defer s.wg.Done()
	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.quit:
				s.pipe.finish(nil)
				return
			default:
			}
			if s.isFinishing() || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.pipe.emit(Transcript{Text: s.acc.text(), IsFinal: true, Timestamp: time.Now()})
				s.pipe.finish(nil)
				return
			}
			s.pipe.finish(fmt.Errorf("deepgram read failed: %w", err))
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		t.Text = s.acc.update(t.Text, t.IsFinal)
		t.Timestamp = time.Now()
		if !s.pipe.emit(t) {
			s.pipe.finish(nil)
			return
		}
	}
}

// deepgramResponse - сообщение Results streaming API
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []deepgramAlternative `json:"alternatives"`
	} `json:"channel"`
}

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// deepgramFileResponse - ответ REST API для готового файла
type deepgramFileResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []deepgramAlternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseDeepgramResponse возвращает фрагмент текущей фразы; false для служебных сообщений
func parseDeepgramResponse(data []byte) (Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return Transcript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	return Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: float32(alt.Confidence),
	}, true
}

// RecognizeSamples отправляет буфер в REST API
func (r *DeepgramRecognizer) RecognizeSamples(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	const op = "deepgram.file"
	if !r.Supports(language) {
		return "", apperr.Errorf(apperr.KindRecognizerUnavailable, op, "language %q is not supported", language)
	}
	reqURL, err := r.buildURL(r.fileEndpoint, language, sampleRate, false)
	if err != nil {
		return "", fmt.Errorf("failed to build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(encodePCM16(samples)))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = r.authHeader()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", apperr.New(apperr.KindRecognizerUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apperr.Errorf(apperr.KindRecognizerUnavailable, op, "bad status %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var out deepgramFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return out.Results.Channels[0].Alternatives[0].Transcript, nil
}

// encodePCM16 переводит float32 [-1, 1] в little-endian int16
func encodePCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}

