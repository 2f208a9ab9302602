package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	codec "github.com/yapingcat/gomedia/go-codec"
	rtmp "github.com/yapingcat/gomedia/go-rtmp"

	"peertube-live/internal/session"
)

const (
	defaultRTMPAddr    = ":1935"
	defaultIdleTimeout = 30 * time.Second
	readPollInterval   = time.Second
	readBufferSize     = 32 * 1024
)

// RTMPConfig configures the RTMP listener.
type RTMPConfig struct {
	Addr string
	// App restricts publishing to one application name. Empty accepts any.
	App string
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// RTMPServer accepts encoder connections and runs each publish through the
// Gate.
type RTMPServer struct {
	gate   *Gate
	cfg    RTMPConfig
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewRTMPServer(gate *Gate, cfg RTMPConfig) *RTMPServer {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultRTMPAddr
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RTMPServer{gate: gate, cfg: cfg, logger: logger}
}

// ListenAndServe listens on the configured address until ctx is cancelled.
func (s *RTMPServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for the
// open connections to finish.
func (s *RTMPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
	}()

	s.logger.Info("rtmp listener started", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("rtmp accept failed", "error", err)
			continue
		}
		c := s.newConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve(ctx)
		}()
	}
}

// Addr returns the bound address once Serve has started.
func (s *RTMPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

type rtmpConn struct {
	server *RTMPServer
	conn   net.Conn
	handle *rtmp.RtmpServerHandle
	logger *slog.Logger

	live   *session.Handle
	frames uint64
	bytes  uint64
}

func (s *RTMPServer) newConn(conn net.Conn) *rtmpConn {
	return &rtmpConn{
		server: s,
		conn:   conn,
		handle: rtmp.NewRtmpServerHandle(),
		logger: s.logger.With("remote_addr", conn.RemoteAddr().String()),
	}
}

func (c *rtmpConn) init(ctx context.Context) {
	c.handle.SetOutput(func(b []byte) error {
		_, err := c.conn.Write(b)
		return err
	})

	c.handle.OnPlay(func(app, streamName string, start, duration float64, reset bool) rtmp.StatusCode {
		return rtmp.NETSTREAM_PLAY_NOTFOUND
	})

	c.handle.OnPublish(func(app, streamName string) rtmp.StatusCode {
		if c.live != nil {
			return rtmp.NETCONNECT_CONNECT_REJECTED
		}
		if want := c.server.cfg.App; want != "" && app != want {
			c.logger.Info("rtmp publish rejected", "app", app)
			return rtmp.NETCONNECT_CONNECT_REJECTED
		}
		h, err := c.server.gate.AcceptConnection(ctx, streamName)
		if err != nil {
			return rtmp.NETCONNECT_CONNECT_REJECTED
		}
		c.live = h
		go c.watch(h)
		go func() {
			_ = c.server.gate.Publish(context.WithoutCancel(ctx), h)
		}()
		return rtmp.NETSTREAM_PUBLISH_START
	})

	c.handle.OnStateChange(func(state rtmp.RtmpState) {
		if state == rtmp.STATE_RTMP_PUBLISH_FAILED {
			c.conn.Close()
		}
	})

	c.handle.OnFrame(func(cid codec.CodecID, pts, dts uint32, frame []byte) {
		c.frames++
		c.bytes += uint64(len(frame))
	})
}

// watch drops the connection once the session ends from elsewhere, such as an
// administrator force end.
func (c *rtmpConn) watch(h *session.Handle) {
	<-h.Done()
	c.conn.Close()
}

func (c *rtmpConn) serve(ctx context.Context) {
	c.init(ctx)
	cause := c.readLoop(ctx)
	c.conn.Close()
	if c.live == nil {
		return
	}
	if err := c.live.Close(cause); err != nil {
		c.logger.Error("close live session", "live_id", c.live.LiveID(), "error", err)
	}
	c.logger.Info("rtmp publish finished",
		"live_id", c.live.LiveID(),
		"session_id", c.live.SessionID(),
		"cause", c.live.Cause(),
		"frames", c.frames,
		"bytes", c.bytes,
	)
}

func (c *rtmpConn) readLoop(ctx context.Context) session.Cause {
	idle := c.server.cfg.IdleTimeout
	lastRead := time.Now()
	for {
		if ctx.Err() != nil {
			return session.CauseStop
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return causeFor(err)
		}
		buf := make([]byte, readBufferSize)
		n, err := c.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if time.Since(lastRead) >= idle {
					c.logger.Info("rtmp connection idle", "timeout", idle)
					return session.CauseDisconnect
				}
				continue
			}
			return causeFor(err)
		}
		lastRead = time.Now()
		if err := c.handle.Input(buf[:n]); err != nil {
			c.logger.Warn("rtmp decode failed", "error", err)
			return session.CauseProtocolError
		}
	}
}

// causeFor maps a read failure to the way the session ends.
func causeFor(err error) session.Cause {
	switch {
	case err == nil:
		return session.CauseDisconnect
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET):
		return session.CauseDisconnect
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return session.CauseDisconnect
		}
		return session.CauseProtocolError
	}
}
