// Package metrics содержит Prometheus метрики конвейера захвата и распознавания
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Причины потери кадров
const (
	DropQueue       = "queue"       // очередь воркера источника переполнена
	DropRecognition = "recognition" // очередь распознавания переполнена
	DropSink        = "sink"        // ошибка записи в файл сегмента
)

// Metrics - метрики audiotoolkit на собственном реестре
type Metrics struct {
	Registry *prometheus.Registry

	// Захват
	FramesCaptured  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	SourceActive    *prometheus.GaugeVec
	LoudnessDB      *prometheus.GaugeVec
	ThresholdDB     *prometheus.GaugeVec
	FrameQueueDepth *prometheus.GaugeVec

	// Сегменты
	SegmentsWritten   *prometheus.CounterVec
	SegmentsDiscarded *prometheus.CounterVec
	SegmentDuration   *prometheus.HistogramVec

	// Распознавание
	RecognitionSessions *prometheus.GaugeVec
	TranscriptDeltas    *prometheus.CounterVec
	RecognitionErrors   *prometheus.CounterVec
	FileTranscriptions  *prometheus.CounterVec

	// Управляющий сервер
	Requests *prometheus.CounterVec
	Clients  prometheus.Gauge
}

// NewMetrics создаёт и регистрирует метрики в новом реестре
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		FramesCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audiotoolkit_frames_captured_total",
			Help: "Total number of audio frames delivered by capture",
		}, []string{"source"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audiotoolkit_frames_dropped_total",
			Help: "Total number of audio frames dropped",
		}, []string{"source", "reason"}),
		SourceActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audiotoolkit_source_active",
			Help: "1 when the capture source is active",
		}, []string{"source"}),
		LoudnessDB: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audiotoolkit_loudness_db",
			Help: "Last measured loudness in dB",
		}, []string{"source"}),
		ThresholdDB: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audiotoolkit_threshold_db",
			Help: "Current voice threshold in dB",
		}, []string{"source"}),
		FrameQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audiotoolkit_frame_queue_depth",
			Help: "Frames waiting for the source worker",
		}, []string{"source"}),

		SegmentsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audiotoolkit_segments_written_total",
			Help: "Total number of speech segments written to disk",
		}, []string{"source"}),
		SegmentsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audiotoolkit_segments_discarded_total",
			Help: "Total number of segments discarded as too short",
		}, []string{"source"}),
		SegmentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiotoolkit_segment_duration_seconds",
			Help:    "Duration of written speech segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~1 min
		}, []string{"source"}),

		RecognitionSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audiotoolkit_recognition_sessions",
			Help: "Active recognition sessions",
		}, []string{"source"}),
		TranscriptDeltas: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audiotoolkit_transcript_deltas_total",
			Help: "Total number of transcript deltas emitted",
		}, []string{"source"}),
		RecognitionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audiotoolkit_recognition_errors_total",
			Help: "Recognition sessions ended by an error",
		}, []string{"source"}),
		FileTranscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audiotoolkit_file_transcriptions_total",
			Help: "One-shot file transcriptions by result",
		}, []string{"result"}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audiotoolkit_control_requests_total",
			Help: "Control messages handled by type and result",
		}, []string{"type", "result"}),
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "audiotoolkit_control_clients",
			Help: "Connected control clients",
		}),
	}
}

// Handler отдаёт метрики реестра для /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordFrame учитывает кадр, поступивший от захвата
func (m *Metrics) RecordFrame(source string) {
	m.FramesCaptured.WithLabelValues(source).Inc()
}

// RecordDrop учитывает потерянный кадр
func (m *Metrics) RecordDrop(source, reason string) {
	m.FramesDropped.WithLabelValues(source, reason).Inc()
}

// SetActive отмечает состояние источника
func (m *Metrics) SetActive(source string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.SourceActive.WithLabelValues(source).Set(v)
}

// RecordLevel сохраняет громкость и порог
func (m *Metrics) RecordLevel(source string, db, threshold float64) {
	m.LoudnessDB.WithLabelValues(source).Set(db)
	m.ThresholdDB.WithLabelValues(source).Set(threshold)
}

// RecordSegment учитывает записанный сегмент
func (m *Metrics) RecordSegment(source string, durationSeconds float64) {
	m.SegmentsWritten.WithLabelValues(source).Inc()
	m.SegmentDuration.WithLabelValues(source).Observe(durationSeconds)
}

// RecordDiscard учитывает отброшенный короткий сегмент
func (m *Metrics) RecordDiscard(source string) {
	m.SegmentsDiscarded.WithLabelValues(source).Inc()
}

// SetRecognitionActive отмечает наличие сессии распознавания
func (m *Metrics) SetRecognitionActive(source string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.RecognitionSessions.WithLabelValues(source).Set(v)
}

// RecordDelta учитывает отправленную дельту транскрипта
func (m *Metrics) RecordDelta(source string) {
	m.TranscriptDeltas.WithLabelValues(source).Inc()
}

// RecordRecognitionError учитывает ошибку сессии распознавания
func (m *Metrics) RecordRecognitionError(source string) {
	m.RecognitionErrors.WithLabelValues(source).Inc()
}

// RecordFileTranscription учитывает распознавание файла
func (m *Metrics) RecordFileTranscription(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.FileTranscriptions.WithLabelValues(result).Inc()
}

// RecordRequest учитывает управляющее сообщение
func (m *Metrics) RecordRequest(msgType string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Requests.WithLabelValues(msgType, result).Inc()
}

// SetQueueDepth сохраняет заполненность очереди кадров источника
func (m *Metrics) SetQueueDepth(source string, depth int) {
	m.FrameQueueDepth.WithLabelValues(source).Set(float64(depth))
}

// ClientConnected / ClientDisconnected ведут число подключённых клиентов
func (m *Metrics) ClientConnected() { m.Clients.Inc() }

func (m *Metrics) ClientDisconnected() { m.Clients.Dec() }
