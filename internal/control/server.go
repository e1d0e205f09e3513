package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/tako-run/tako/internal/applog"
)

// Server accepts connections on a unix-domain socket and dispatches
// each newline-delimited JSON command it reads to the Dispatcher,
// writing back one newline-delimited JSON Response per Command.
type Server struct {
	SocketPath string
	Dispatcher *Dispatcher

	log *zap.Logger
	ln  net.Listener
}

// NewServer returns a Server bound to socketPath, removing any stale
// socket file left behind by a previous, uncleanly-terminated run.
func NewServer(socketPath string, dispatcher *Dispatcher) (*Server, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &Server{SocketPath: socketPath, Dispatcher: dispatcher, log: applog.Named("control"), ln: ln}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			_ = enc.Encode(fail(err))
			continue
		}

		resp := s.Dispatcher.Dispatch(ctx, cmd)
		if err := enc.Encode(resp); err != nil {
			s.log.Warn("writing control response", zap.Error(err))
			return
		}
	}
}

// Close closes the listener and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.SocketPath)
	return err
}
