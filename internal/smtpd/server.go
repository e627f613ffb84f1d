// Package smtpd is the SMTP ingestion frontend. It accepts mail on the
// standard submission flow, requires STARTTLS before any envelope command,
// and hands accepted messages to the queue. A 250 to DATA means the job is
// durable, not that the message is stored.
package smtpd

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

const defaultMaxMessageBytes = 10 * 1024 * 1024 // 10MB

// ErrTLSRequired is returned by NewServer when no certificate is configured.
// Plaintext envelope data on the wire is not an acceptable degradation, so
// this is fatal at startup rather than a warning.
var ErrTLSRequired = errors.New("smtpd: TLS configuration is required")

// Submitter accepts one raw message for an envelope. Implemented by the
// message service.
type Submitter interface {
	Submit(ctx context.Context, sender, recipient string, raw []byte) (uuid.UUID, error)
}

type Config struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	TLSConfig       *tls.Config
}

type Server struct {
	smtpServer *smtp.Server
	submitter  Submitter
	maxBytes   int64
}

func NewServer(cfg Config, submitter Submitter) (*Server, error) {
	if cfg.TLSConfig == nil {
		return nil, ErrTLSRequired
	}

	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}

	s := &Server{
		submitter: submitter,
		maxBytes:  maxBytes,
	}

	smtpSrv := smtp.NewServer(s)
	smtpSrv.Addr = cfg.Addr
	smtpSrv.Domain = cfg.Domain
	smtpSrv.ReadTimeout = 30 * time.Second
	smtpSrv.WriteTimeout = 30 * time.Second
	smtpSrv.MaxMessageBytes = maxBytes
	smtpSrv.MaxRecipients = 1
	smtpSrv.TLSConfig = cfg.TLSConfig

	s.smtpServer = smtpSrv
	return s, nil
}

func (s *Server) Start() error {
	slog.Info("SMTP ingestion server starting", "addr", s.smtpServer.Addr, "domain", s.smtpServer.Domain)
	return s.smtpServer.ListenAndServe()
}

func (s *Server) Shutdown() error {
	return s.smtpServer.Close()
}

// NewSession implements smtp.Backend.
func (s *Server) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	return &session{
		server: s,
		secured: func() bool {
			_, ok := conn.TLSConnectionState()
			return ok
		},
	}, nil
}

type session struct {
	server  *Server
	secured func() bool
	from    string
	to      string
}

// errTLSFirst rejects envelope commands on a connection that has not
// completed STARTTLS.
var errTLSFirst = &smtp.SMTPError{
	Code:         530,
	EnhancedCode: smtp.EnhancedCode{5, 7, 0},
	Message:      "Must issue a STARTTLS command first",
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.secured() {
		return errTLSFirst
	}
	s.from = strings.ToLower(strings.TrimSpace(from))
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.secured() {
		return errTLSFirst
	}
	addr := strings.ToLower(strings.TrimSpace(to))
	if addr == "" {
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	s.to = addr
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.to == "" {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "RCPT TO required before DATA",
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r, s.server.maxBytes))
	if err != nil {
		return err
	}

	id, err := s.server.submitter.Submit(context.Background(), s.from, s.to, raw)
	if err != nil {
		// The queue write failed; tell the sender to retry so nothing is
		// silently lost.
		slog.Error("failed to enqueue inbound message",
			"from", s.from, "to", s.to, "size", len(raw), "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure, try again later",
		}
	}

	slog.Info("inbound message accepted",
		"message_id", id, "from", s.from, "to", s.to, "size", len(raw))
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = ""
}

func (s *session) Logout() error {
	return nil
}
