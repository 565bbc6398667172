package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"audiotoolkit/internal/apperr"
	"audiotoolkit/internal/config"
	"audiotoolkit/internal/metrics"
	"audiotoolkit/internal/service"
)

const (
	// clientQueueSize - очередь исходящих сообщений клиента; при переполнении события теряются
	clientQueueSize = 256
	writeTimeout    = 5 * time.Second
	requestTimeout  = 30 * time.Second
	// transcribeTimeout - распознавание файла целиком может идти долго
	transcribeTimeout = 10 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server - управляющая граница: WebSocket, gRPC stream и /metrics
type Server struct {
	Config  config.ServerConfig
	Toolkit *service.Toolkit
	Metrics *metrics.Metrics

	clients map[*client]bool
	mu      sync.Mutex

	ctx         context.Context
	unsubscribe func()
	httpServer  *http.Server
	grpcServer  *grpc.Server
}

func NewServer(cfg config.ServerConfig, tk *service.Toolkit, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.NewMetrics()
	}
	s := &Server{
		Config:  cfg,
		Toolkit: tk,
		Metrics: m,
		clients: make(map[*client]bool),
		ctx:     context.Background(),
	}
	s.unsubscribe = tk.Subscribe(s.broadcastEvent)
	return s
}

// Handler возвращает HTTP маршруты сервера
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/recordings", s.handleRecordingsAPI)
	mux.Handle("/metrics", s.Metrics.Handler())
	return mux
}

// Run запускает HTTP и gRPC серверы и блокируется до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx

	httpLis, err := net.Listen("tcp", ":"+s.Config.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on :%s: %w", s.Config.Port, err)
	}
	s.httpServer = &http.Server{Handler: s.Handler()}

	var grpcLis net.Listener
	if s.Config.GRPCAddress != "" {
		grpcLis, err = listenGRPC(s.Config.GRPCAddress)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to start gRPC listener (%s): %w", s.Config.GRPCAddress, err)
		}
		s.grpcServer = newGRPCServer(s)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Backend listening on %s", httpLis.Addr())
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			log.Printf("gRPC listening on %s", s.Config.GRPCAddress)
			if err := s.grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})
	return g.Wait()
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.unsubscribe()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()
}

// client - подключение (WebSocket или gRPC stream) со своей очередью отправки
type client struct {
	transport string
	out       chan Message
	done      chan struct{}
	once      sync.Once
}

func newClient(transport string) *client {
	return &client{
		transport: transport,
		out:       make(chan Message, clientQueueSize),
		done:      make(chan struct{}),
	}
}

// send ставит сообщение в очередь без блокировки
func (c *client) send(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	s.Metrics.ClientConnected()
	log.Printf("Client connected (%s)", c.transport)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	if ok {
		s.Metrics.ClientDisconnected()
		log.Printf("Client disconnected (%s)", c.transport)
	}
}

// broadcastEvent вызывается из воркеров источников: только постановка в очереди клиентов
func (s *Server) broadcastEvent(e service.Event) {
	s.broadcast(eventMessage(e))
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) == 0 {
		return
	}
	for c := range s.clients {
		if !c.send(msg) && msg.Type != string(service.EventLoudness) {
			log.Printf("Client queue full (%s), dropped %s event", c.transport, msg.Type)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade:", err)
		return
	}

	c := newClient("ws")
	s.register(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeWebSocket(conn, c)
	}()

	defer func() {
		s.unregister(c)
		<-writerDone
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.send(Message{Type: TypeError, Result: "false", ErrorMessage: err.Error(), Kind: string(apperr.KindInternal)})
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Println("Read:", err)
			}
			return
		}
		s.dispatch(c, msg)
	}
}

// writeWebSocket - единственный писатель соединения
func (s *Server) writeWebSocket(conn *websocket.Conn, c *client) {
	for {
		select {
		case msg := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("Write error: %v", err)
				s.unregister(c)
				conn.Close()
				return
			}
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

// dispatch выполняет команду и отправляет ответ клиенту. Распознавание файла не блокирует чтение.
func (s *Server) dispatch(c *client, msg Message) {
	if msg.Type == TypeTranscribeFile {
		go func() { c.send(s.processMessage(msg)) }()
		return
	}
	c.send(s.processMessage(msg))
}

// processMessage выполняет одну команду; паника превращается в ответ с ошибкой
func (s *Server) processMessage(msg Message) (resp Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic while handling %s: %v", msg.Type, r)
			resp = errorResponse(msg, apperr.Errorf(apperr.KindInternal, msg.Type, "panic: %v", r))
			s.Metrics.RecordRequest(msg.Type, false)
		}
	}()

	timeout := requestTimeout
	if msg.Type == TypeTranscribeFile {
		timeout = transcribeTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	resp, err := s.handle(ctx, msg)
	if err != nil {
		log.Printf("Request %s failed: %v", msg.Type, err)
		resp = errorResponse(msg, err)
	}
	s.Metrics.RecordRequest(msg.Type, err == nil)
	return resp
}

func (s *Server) handle(ctx context.Context, msg Message) (Message, error) {
	tk := s.Toolkit
	resp := okResponse(msg)

	switch msg.Type {
	case TypeInitCapture:
		return resp, tk.InitCapture(ctx)

	case TypeStartRecording:
		return resp, tk.StartRecording(ctx, msg.Language)

	case TypeStopRecording:
		path, err := tk.StopRecording(ctx)
		resp.Path = path
		return resp, err

	case TypeStartMic:
		return resp, tk.StartMicCapture(ctx)

	case TypeStopMic:
		return resp, tk.StopMicCapture(ctx)

	case TypeStartSystem:
		return resp, tk.StartSystemCapture(ctx)

	case TypeStopSystem:
		return resp, tk.StopSystemCapture(ctx)

	case TypeTranscribeFile:
		if msg.Path == "" {
			return resp, apperr.Errorf(apperr.KindIO, msg.Type, "path is required")
		}
		text, err := tk.TranscribeFile(ctx, msg.Path, msg.Language)
		resp.Path = msg.Path
		resp.Text = text
		return resp, err

	case TypeGetStatus:
		st := tk.Status()
		resp.Status = &st
		return resp, nil

	case TypeGetDevices:
		devices, err := tk.Devices()
		resp.Devices = devices
		return resp, err

	case TypeListRecordings:
		resp.Recordings = tk.Recordings()
		return resp, nil
	}

	return resp, fmt.Errorf("unknown message type %q", msg.Type)
}

func (s *Server) handleRecordingsAPI(w http.ResponseWriter, r *http.Request) {
	// CORS для dev режима клиента
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Toolkit.Recordings()); err != nil {
		log.Printf("Failed to encode recordings: %v", err)
	}
}
