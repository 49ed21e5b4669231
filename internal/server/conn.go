package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"worth/internal/netutil"
	"worth/internal/protocol"
)

const (
	lingerTimeout = time.Second
	lingerLimit   = 256 << 10
)

// Serve accepts protocol connections on ln until ctx is cancelled. It then
// closes the listener and every open connection, logs out their accounts and
// returns once all connection goroutines are gone.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	go s.loop(loopCtx)

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeConns()
	})
	defer stop()

	s.logger.Info("protocol listener started", slog.String("addr", ln.Addr().String()))

	var (
		serveErr error
		wg       sync.WaitGroup
	)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.closeConns()
	wg.Wait()
	stopLoop()
	<-s.loopDone
	s.logger.Info("protocol listener stopped")
	return serveErr
}

// loop is the only goroutine that runs dispatcher calls.
func (s *Server) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case c := <-s.calls:
			if c.hangup {
				s.hangup(c.conn)
				close(c.reply)
				continue
			}
			code, payload := s.dispatch(ctx, c.conn, c.req)
			c.reply <- reply{code: code, payload: payload}
		case <-ctx.Done():
			return
		}
	}
}

// submit hands req to the event loop and waits for its reply. It reports
// false when the loop has stopped.
func (s *Server) submit(conn uint64, req protocol.Request) (reply, bool) {
	c := call{conn: conn, req: req, reply: make(chan reply, 1)}
	select {
	case s.calls <- c:
	case <-s.loopDone:
		return reply{}, false
	}
	select {
	case r := <-c.reply:
		return r, true
	case <-s.loopDone:
		return reply{}, false
	}
}

func (s *Server) submitHangup(conn uint64) {
	c := call{conn: conn, hangup: true, reply: make(chan reply)}
	select {
	case s.calls <- c:
	case <-s.loopDone:
		return
	}
	select {
	case <-c.reply:
	case <-s.loopDone:
	}
}

// serveConn reads one request per line and writes one response per request.
// End of stream or any read or write failure hangs the connection up.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	id := s.nextConn.Add(1)
	logger := s.logger.With(slog.String("remote", conn.RemoteAddr().String()), slog.Uint64("conn", id))
	logger.Debug("connection accepted")

	defer func() {
		s.submitHangup(id)
		s.untrack(conn)
		if err := conn.Close(); err != nil && !netutil.IsExpectedCloseError(err) {
			logger.Warn("close connection", slog.String("error", err.Error()))
		}
		logger.Debug("connection closed")
	}()

	// Burst requests per refill interval.
	limiter := rate.NewLimiter(rate.Limit(float64(s.opts.RateBurst)/s.opts.RateRefill.Seconds()), s.opts.RateBurst)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.opts.MaxMessageSize+1)), s.opts.MaxMessageSize+1)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		var r reply
		req, err := protocol.DecodeRequest(line)
		if err != nil {
			r = reply{code: protocol.StatusMalformed, payload: protocol.H{"error": err.Error()}}
		} else {
			var ok bool
			if r, ok = s.submit(id, req); !ok {
				return
			}
		}
		if err := s.writeReply(conn, r); err != nil {
			logWriteFailure(logger, err)
			return
		}
	}

	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		logger.Warn("request too large", slog.Int("limit", s.opts.MaxMessageSize))
		r := reply{code: protocol.StatusMalformed, payload: protocol.H{"error": "request too large"}}
		if err := s.writeReply(conn, r); err != nil {
			logWriteFailure(logger, err)
			return
		}
		lingerClose(conn)
	case err != nil && !netutil.IsExpectedCloseError(err):
		logger.Warn("read request", slog.String("error", err.Error()))
	}
}

func (s *Server) writeReply(conn net.Conn, r reply) error {
	line, err := protocol.EncodeResponse(r.code, r.payload)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(line)
	return err
}

// logWriteFailure logs why a response could not be written. A peer that
// stops reading shows up as a write deadline expiry.
func logWriteFailure(logger *slog.Logger, err error) {
	switch {
	case netutil.IsTimeout(err):
		logger.Warn("peer stopped reading, dropping connection", slog.String("error", err.Error()))
	case netutil.IsExpectedCloseError(err):
		logger.Debug("write response", slog.String("error", err.Error()))
	default:
		logger.Warn("write response", slog.String("error", err.Error()))
	}
}

// track registers conn for shutdown. It reports false once shutdown started.
func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.closing = true
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// lingerClose half-closes conn and discards what the peer is still sending,
// so the last response is not lost to a reset when conn is closed.
func lingerClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, lingerLimit))
}
