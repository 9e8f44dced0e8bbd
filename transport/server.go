// Package transport is the RPC front end of the daemon: CBOR values over
// a unix socket. A client connects, writes one Call and reads Frames
// until the Final one; Copy and Move stream their progress frames first.
// The caller's session is taken from the socket's peer credentials.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/internal/logger"
)

const (
	// readTimeout bounds how long a client may take to send its Call.
	readTimeout = 30 * time.Second

	// writeTimeout bounds each frame write.
	writeTimeout = 10 * time.Second

	// maxCallSize caps a single Call.
	maxCallSize = 1 << 20

	// progressBuffer is how many progress frames may wait for a slow
	// client before newer ones are dropped.
	progressBuffer = 16
)

// Enqueuer admits requests. *service.Service is the production one.
type Enqueuer interface {
	Enqueue(req *sboxd.Request) error
}

// Server serves Calls on a unix socket.
type Server struct {
	socketPath string
	svc        Enqueuer

	// ready is closed once the socket accepts connections.
	ready chan struct{}

	// active tracks connections still waiting for their final reply.
	active sync.WaitGroup
}

// NewServer returns a server that will listen on socketPath.
func NewServer(socketPath string, svc Enqueuer) *Server {
	return &Server{
		socketPath: socketPath,
		svc:        svc,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once Serve is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve listens on the socket until ctx is cancelled, then stops
// accepting and waits for every open connection to get its final
// reply. A stale socket file is replaced; the socket is removed on
// return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()
	// Every local user may connect; sessions keep them apart.
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("Transport listening", logger.KeyPath, s.socketPath)
	close(s.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Error("Accept failed", logger.KeyError, err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handle(conn)
		}()
	}

	s.active.Wait()
	logger.Info("Transport stopped", logger.KeyPath, s.socketPath)
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	uid, err := peerUID(conn)
	if err != nil {
		logger.Warn("Peer credentials unavailable", logger.KeyError, err)
		s.write(conn, Frame{Final: true, Reply: sboxd.Failure(sboxd.Wrap(sboxd.CodePermissionDenied, err))})
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var call Call
	if err := decMode.NewDecoder(io.LimitReader(conn, maxCallSize)).Decode(&call); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.write(conn, Frame{Final: true, Reply: sboxd.Failure(sboxd.Errorf(sboxd.CodeInvalidParameter, "invalid call: %v", err))})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	op, err := sboxd.ParseOperation(call.Operation)
	if err != nil {
		s.write(conn, Frame{Final: true, Reply: sboxd.Failure(err)})
		return
	}
	sessionID := sessionFor(uid, call.Session)
	log := logger.With(logger.KeyOperation, op.String(), logger.KeySession, sessionID, logger.KeyPeer, uid)

	progress := make(chan sboxd.Reply, progressBuffer)
	req := sboxd.NewRequest(op, sboxd.Params(call.Params), sessionID, conn, func(reply sboxd.Reply, _ any) {
		if _, failed := reply["errorCode"]; failed || !isProgress(reply) {
			return
		}
		select {
		case progress <- reply:
		default:
		}
	})
	if err := s.svc.Enqueue(req); err != nil {
		log.Debug("Call rejected", logger.KeyError, err)
	}

	for {
		select {
		case reply := <-progress:
			s.write(conn, Frame{Reply: reply})
		case <-req.Done():
		drain:
			for {
				select {
				case reply := <-progress:
					s.write(conn, Frame{Reply: reply})
				default:
					break drain
				}
			}
			result := req.Result()
			if !result.OK() {
				log.Debug("Call failed", logger.KeyCode, result.ErrorCode())
			}
			s.write(conn, Frame{Final: true, Reply: result})
			return
		}
	}
}

// isProgress reports a non-terminal Copy/Move reply. The terminal reply
// is read from the request itself once it is done.
func isProgress(reply sboxd.Reply) bool {
	p, ok := reply["progress"].(int)
	return ok && p < 100
}

// write sends one frame. Failures are logged at debug level: the client
// is gone and the request runs to completion regardless.
func (s *Server) write(conn net.Conn, f Frame) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := encMode.NewEncoder(conn).Encode(f); err != nil {
		logger.Debug("Failed to write frame", logger.KeyError, err)
	}
}
