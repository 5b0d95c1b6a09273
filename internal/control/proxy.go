package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/flowpbx/mediadispatch/internal/dispatch"
)

// RequestRouter routes one parsed ingress command and returns the
// relay's answer. Implemented by the session router.
type RequestRouter interface {
	Route(ctx context.Context, cmd *dispatch.Command) (string, error)
}

// ProxyServer accepts SIP-proxy requests on a local stream socket.
// Requests are multi-line blocks terminated by an empty line: the first
// line is the command name, the rest are "key: value" headers. Lines
// with an empty header value (ending in ": ") are silently dropped.
// Each block is routed and answered with a single line; malformed or
// unroutable requests answer the literal "error".
type ProxyServer struct {
	logger     *slog.Logger
	router     RequestRouter
	socketPath string

	ln      net.Listener
	tracker *connTracker
	wg      sync.WaitGroup
}

// NewProxyServer creates the SIP-proxy ingress server.
func NewProxyServer(socketPath string, router RequestRouter, logger *slog.Logger) *ProxyServer {
	return &ProxyServer{
		logger:     logger.With("component", "proxy-control"),
		router:     router,
		socketPath: socketPath,
		tracker:    newConnTracker(),
	}
}

// Start begins listening on the local socket, removing any stale socket
// file left by a previous run.
func (s *ProxyServer) Start() error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.ln = ln
	s.logger.Info("proxy control listener starting", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *ProxyServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("proxy control accept failed", "error", err)
			continue
		}
		if !s.tracker.add(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *ProxyServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestLine)
	var block []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if len(block) == 0 {
				continue
			}
			s.handleRequest(conn, block)
			block = nil
			if s.tracker.draining() {
				return
			}
		case strings.HasSuffix(line, ": "):
			// Header with an empty value, silently dropped.
		default:
			block = append(block, line)
		}
	}
	s.logger.Debug("proxy control connection closed")
}

// handleRequest parses and routes one accumulated request block,
// answering with the relay's reply or the literal "error".
func (s *ProxyServer) handleRequest(conn net.Conn, block []string) {
	s.tracker.setBusy(conn, true)
	defer s.tracker.setBusy(conn, false)

	cmd, err := dispatch.ParseCommand(block)
	if err != nil {
		s.logger.Error("malformed request from proxy", "error", err)
		s.reply(conn, "error")
		return
	}
	if cmd.CallID() == "" {
		s.logger.Error("request from proxy is missing the call_id header", "command", cmd.Name)
		s.reply(conn, "error")
		return
	}

	body, err := s.router.Route(context.Background(), cmd)
	if err != nil {
		s.logger.Error("request failed", "command", cmd.Name, "call_id", cmd.CallID(), "error", err)
		s.reply(conn, "error")
		return
	}
	s.reply(conn, body)
}

func (s *ProxyServer) reply(conn net.Conn, body string) {
	if _, err := io.WriteString(conn, body+lineDelimiter); err != nil {
		s.logger.Error("failed to write proxy reply", "error", err)
	}
}

// Shutdown stops accepting requests, closes idle connections and waits
// for in-flight ones to finish their current reply.
func (s *ProxyServer) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		s.ln.Close()
	}
	s.tracker.beginShutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
