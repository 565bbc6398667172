package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// jsonCodec - gRPC поверх JSON: тот же Message, что и в WebSocket, без protobuf кодогенерации
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ControlStream - двунаправленный поток сообщений одного gRPC клиента
type ControlStream interface {
	Send(*Message) error
	Recv() (*Message, error)
	Context() context.Context
}

type controlHandler interface {
	Stream(ControlStream) error
}

type messageStream struct {
	grpc.ServerStream
}

func (s messageStream) Send(m *Message) error { return s.SendMsg(m) }

func (s messageStream) Recv() (*Message, error) {
	m := new(Message)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// controlServiceDesc описывает сервис audiotoolkit.Control с единственным методом Stream
var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: "audiotoolkit.Control",
	HandlerType: (*controlHandler)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "Stream",
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(controlHandler).Stream(messageStream{stream})
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
}

func newGRPCServer(srv *Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.Creds(insecure.NewCredentials()),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	server.RegisterService(&controlServiceDesc, srv)
	return server
}

// Stream обслуживает один gRPC клиент: команды как в WebSocket, события рассылаются в тот же поток
func (s *Server) Stream(stream ControlStream) error {
	c := newClient("grpc")
	s.register(c)
	defer s.unregister(c)

	sendErr := make(chan error, 1)
	go func() {
		for {
			select {
			case msg := <-c.out:
				if err := stream.Send(&msg); err != nil {
					sendErr <- err
					c.close()
					return
				}
			case <-c.done:
				sendErr <- nil
				return
			case <-stream.Context().Done():
				sendErr <- nil
				c.close()
				return
			}
		}
	}()

	for {
		msg, err := stream.Recv()
		if err != nil {
			c.close()
			if werr := <-sendErr; werr != nil {
				log.Printf("gRPC send error: %v", werr)
			}
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		s.dispatch(c, *msg)
	}
}

// listenGRPC: unix:<path>, npipe:<name> (Windows) или TCP адрес
func listenGRPC(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix:"):
		socketPath := strings.TrimPrefix(addr, "unix:")
		if err := removeIfExists(socketPath); err != nil {
			return nil, err
		}
		return net.Listen("unix", socketPath)
	case strings.HasPrefix(addr, "npipe:"):
		pipePath := strings.TrimPrefix(addr, "npipe:")
		return listenPipe(pipePath)
	default:
		return net.Listen("tcp", addr)
	}
}

func removeIfExists(path string) error {
	if path == "" {
		return errors.New("empty socket path")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
