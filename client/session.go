package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/apiclient"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/logger"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
	"github.com/mahaj/dupahar-chat/pkg/realtime/wsconn"
)

// session is one logged-in user: the REST client plus, once connected, the
// realtime channel manager on top of a gateway connection.
type session struct {
	userID string
	name   string
	api    *apiclient.Client
	token  string
	conn   *wsconn.Conn
	mgr    *realtime.Manager
	log    zerolog.Logger

	outMu sync.Mutex
	out   io.Writer

	closeLog io.Closer
}

func login(ctx context.Context, opts *rootOptions, cfg *config.Client) (*session, error) {
	log, closer, err := logger.New("client", opts.logLevel, "")
	if err != nil {
		return nil, err
	}
	log = log.With().Str("user_id", opts.userID).Logger()

	api := apiclient.New(opts.apiURL, cfg.Timeout)
	token, err := api.Login(ctx, opts.userID, opts.name)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	return &session{
		userID:   opts.userID,
		name:     opts.name,
		api:      api,
		token:    token,
		log:      log,
		out:      os.Stdout,
		closeLog: closer,
	}, nil
}

// connect dials the gateway and puts a channel manager on the connection.
func (s *session) connect(ctx context.Context, gatewayURL string) error {
	conn, err := wsconn.Dial(ctx, gatewayURL, s.token, s.log)
	if err != nil {
		return err
	}
	s.conn = conn
	s.mgr = realtime.NewManager(conn, s.log)
	return nil
}

func (s *session) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) Close() {
	if s.mgr != nil {
		s.mgr.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	_ = s.closeLog.Close()
}
