// Package echoserver serves the callchain.echo.Echo demo service without
// generated code. It answers every call shape, which makes it a convenient
// peer for exercising transports end to end.
package echoserver

import (
	"errors"
	"io"
	"log"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/callchain/internal/methods"
)

// Request texts with special meaning.
const (
	// FailPrefix followed by a code number makes the call fail with that code.
	FailPrefix = "fail:"
	// Hang blocks the call until the client gives up.
	Hang = "hang"
)

type Server struct {
	req, resp protoreflect.MessageDescriptor
	logger    *log.Logger
}

// New builds the server. A nil logger disables request logging.
func New(logger *log.Logger) (*Server, error) {
	fd, err := methods.EchoFile()
	if err != nil {
		return nil, err
	}
	msgs := fd.Messages()
	return &Server{
		req:    msgs.ByName("EchoRequest"),
		resp:   msgs.ByName("EchoResponse"),
		logger: logger,
	}, nil
}

// GRPCServer returns a grpc.Server that routes every method to s.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	return grpc.NewServer(append(opts, grpc.UnknownServiceHandler(s.handle))...)
}

func (s *Server) handle(_ any, stream grpc.ServerStream) error {
	full, _ := grpc.MethodFromServerStream(stream)
	i := strings.LastIndex(full, "/")
	service, method := strings.TrimPrefix(full[:max(i, 0)], "/"), full[i+1:]
	if service != methods.EchoService {
		return status.Errorf(codes.Unimplemented, "unknown service %s", service)
	}
	if s.logger != nil {
		s.logger.Printf("echo: %s", full)
	}
	_ = stream.SetHeader(metadata.Pairs("x-echo-method", method))

	var count int
	var err error
	switch method {
	case "Say":
		count, err = s.say(stream)
	case "Collect":
		count, err = s.collect(stream)
	case "Expand":
		count, err = s.expand(stream)
	case "Chat":
		count, err = s.chat(stream)
	default:
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	stream.SetTrailer(metadata.Pairs("x-echo-count", strconv.Itoa(count)))
	return err
}

func (s *Server) recv(stream grpc.ServerStream) (string, error) {
	m := dynamicpb.NewMessage(s.req)
	if err := stream.RecvMsg(m); err != nil {
		return "", err
	}
	text := m.Get(s.req.Fields().ByName("text")).String()
	if err := special(stream, text); err != nil {
		return "", err
	}
	return text, nil
}

func (s *Server) send(stream grpc.ServerStream, text string) error {
	m := dynamicpb.NewMessage(s.resp)
	m.Set(s.resp.Fields().ByName("text"), protoreflect.ValueOfString(text))
	return stream.SendMsg(m)
}

func special(stream grpc.ServerStream, text string) error {
	switch {
	case text == Hang:
		<-stream.Context().Done()
		return status.FromContextError(stream.Context().Err()).Err()
	case strings.HasPrefix(text, FailPrefix):
		n, err := strconv.Atoi(strings.TrimPrefix(text, FailPrefix))
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "bad failure code %q", text)
		}
		return status.Errorf(codes.Code(n), "failure requested")
	}
	return nil
}

func (s *Server) say(stream grpc.ServerStream) (int, error) {
	text, err := s.recv(stream)
	if err != nil {
		return 0, err
	}
	return 1, s.send(stream, text)
}

func (s *Server) collect(stream grpc.ServerStream) (int, error) {
	var texts []string
	for {
		text, err := s.recv(stream)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return len(texts), err
		}
		texts = append(texts, text)
	}
	return len(texts), s.send(stream, strings.Join(texts, " "))
}

func (s *Server) expand(stream grpc.ServerStream) (int, error) {
	text, err := s.recv(stream)
	if err != nil {
		return 0, err
	}
	words := strings.Fields(text)
	for i, w := range words {
		if err := s.send(stream, w); err != nil {
			return i, err
		}
	}
	return len(words), nil
}

func (s *Server) chat(stream grpc.ServerStream) (int, error) {
	n := 0
	for {
		text, err := s.recv(stream)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := s.send(stream, text); err != nil {
			return n, err
		}
		n++
	}
}
