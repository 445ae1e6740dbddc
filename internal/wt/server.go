// Package wt serves chat connections over WebTransport (HTTP/3).
//
// A client opens a session at /wt?channel=<c>&token=<t>. The server opens
// one bidirectional stream on it and writes events as newline-delimited
// JSON; the client sends one payload per line on the same stream.
// Admission failures close the session with the numeric close code as the
// session error code.
package wt

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"chathub/internal/chat"
	"chathub/internal/protocol"
)

const (
	writeTimeout       = 5 * time.Second
	openStreamTimeout  = 10 * time.Second
	defaultMaxLineSize = 64 << 10
)

// Server holds the WebTransport listener.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	chat      *chat.Service
	maxLine   int
}

// NewServer creates a WebTransport server for addr. maxLine caps one
// inbound payload in bytes; zero selects a default.
func NewServer(addr string, tlsConfig *tls.Config, svc *chat.Service, maxLine int) *Server {
	if maxLine <= 0 {
		maxLine = defaultMaxLineSize
	}
	return &Server{addr: addr, tlsConfig: tlsConfig, chat: svc, maxLine: maxLine}
}

// Run starts the WebTransport server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	wts := &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: http3.ConfigureTLSConfig(s.tlsConfig),
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(wts.H3)

	mux.HandleFunc("/wt", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wts.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.handleSession(ctx, sess, chat.Params{
			Channel: r.URL.Query().Get("channel"),
			Token:   r.URL.Query().Get("token"),
		})
	})

	slog.Info("webtransport listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = wts.Close()
	}()

	err := wts.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleSession(ctx context.Context, sess *webtransport.Session, p chat.Params) {
	openCtx, cancel := context.WithTimeout(ctx, openStreamTimeout)
	stream, err := sess.OpenStreamSync(openCtx)
	cancel()
	if err != nil {
		slog.Debug("webtransport open stream failed", "err", err)
		_ = sess.CloseWithError(webtransport.SessionErrorCode(protocol.CloseInternalError), "stream unavailable")
		return
	}

	conn := newConn(sess, stream, s.maxLine)
	if err := s.chat.Serve(ctx, conn, p); err != nil {
		slog.Debug("webtransport session ended with error", "err", err)
	}
}

// conn adapts a WebTransport session and its stream to chat.Conn.
type conn struct {
	sess    *webtransport.Session
	stream  *webtransport.Stream
	scanner *bufio.Scanner

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(sess *webtransport.Session, stream *webtransport.Stream, maxLine int) *conn {
	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	return &conn{sess: sess, stream: stream, scanner: sc}
}

// ReadMessage returns the next line without its terminator.
func (c *conn) ReadMessage(_ context.Context) (string, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				_ = c.Close(protocol.CloseBadRequest, "message too large")
			}
			return "", err
		}
		return "", fmt.Errorf("webtransport stream closed")
	}
	return strings.TrimSuffix(c.scanner.Text(), "\r"), nil
}

func (c *conn) WriteEvent(ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.stream.Write(data)
	return err
}

// Close terminates the session with code as its error code.
func (c *conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.sess.CloseWithError(webtransport.SessionErrorCode(code), reason)
	})
	return err
}
