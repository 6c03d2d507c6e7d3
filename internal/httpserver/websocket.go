package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/nvwatch/nvwatch/internal/api"
	"github.com/nvwatch/nvwatch/internal/procwatch"
	"github.com/nvwatch/nvwatch/internal/sampler"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !requireGet(w, r) {
		return
	}

	if !s.reserveWS() {
		s.wsRejected.Add(1)
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	defer closeWebsocket(reqLogger, conn)

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	var (
		statusCh    <-chan sampler.Status
		unsubscribe func()
		procCh      <-chan []procwatch.Snapshot
		procCancel  func()
	)
	if s.sampler != nil {
		statusCh, unsubscribe = s.sampler.Subscribe()
	}
	if s.proc != nil {
		procCh, procCancel = s.proc.Subscribe()
	}

	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		if procCancel != nil {
			procCancel()
		}
		outbound.close()
		cancel()
		<-writerDone
	}()

	hello := api.NewHelloMessage(
		int(s.cfg.PollInterval/time.Millisecond),
		s.devices,
		map[string]bool{
			"procs": s.proc != nil,
		},
	)
	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}
	if len(s.devices) == 0 {
		s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: "no GPUs detected"}, logger)
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	for {
		select {
		case status, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			if !s.enqueueMessage(outbound, api.NewStatusMessage(status), logger) {
				return
			}
		case snapshots, ok := <-procCh:
			if !ok {
				procCh = nil
				continue
			}
			if !s.enqueueMessage(outbound, api.NewProcsMessage(snapshots), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(outbound, data, logger); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("client message handling error", "err", err)
				}
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(outbound *wsOutbound, data []byte, logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: "malformed message"}, logger)
		return nil
	}
	switch envelope.Type {
	case "ping":
		s.enqueueMessage(outbound, api.PongMessage{Type: "pong"}, logger)
	default:
		s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: "unsupported message type"}, logger)
	}
	return nil
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, messageCh chan<- []byte, errCh chan<- error) {
	defer close(messageCh)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case messageCh <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		data, ok := outbound.next(ctx)
		if !ok {
			return
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, data)
		writeCancel()
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Debug("websocket write failed", "err", err)
			}
			cancel()
			return
		}
	}
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode websocket message", "err", err)
		return false
	}
	outbound.send(data)
	return true
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}
	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

// wsOutbound is a bounded send queue with drop-oldest backpressure.
type wsOutbound struct {
	ch      chan []byte
	mu      sync.Mutex
	closed  bool
	dropped *atomic.Uint64
}

func newWSOutbound(size int, dropped *atomic.Uint64) *wsOutbound {
	return &wsOutbound{
		ch:      make(chan []byte, size),
		dropped: dropped,
	}
}

func (o *wsOutbound) send(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.ch <- data:
		return
	default:
		select {
		case <-o.ch:
			if o.dropped != nil {
				o.dropped.Add(1)
			}
		default:
		}
		select {
		case o.ch <- data:
		default:
			if o.dropped != nil {
				o.dropped.Add(1)
			}
		}
	}
}

func (o *wsOutbound) next(ctx context.Context) ([]byte, bool) {
	select {
	case data, ok := <-o.ch:
		return data, ok
	case <-ctx.Done():
		return nil, false
	}
}

func (o *wsOutbound) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	close(o.ch)
	o.closed = true
}
