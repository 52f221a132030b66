package ingest

import (
	"bufio"
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/model"
)

// StartTCPStream accepts newline-delimited readings. It returns the bound
// address, or nil when the source is disabled.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.ReadingEvent, logger *zap.Logger) (net.Addr, error) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil, nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return nil, apperr.Wrapf(err, "tcp stream listen on %s", current.Addr)
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", zap.String("addr", ln.Addr().String()))
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", zap.Error(err))
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, cfg, out, logger)
		}
	}()
	return ln.Addr(), nil
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, cfg *config.Manager, out chan<- model.ReadingEvent, logger *zap.Logger) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	s := newSink(cfg, out, logger, "tcp_stream")
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		s.handle(ctx, scanner.Text())
		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && logger != nil {
		logger.Warn("tcp stream scanner error", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
	}
}
