package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/thiagosm89/lix-carbon/internal/domain"
)

// NATSConfig holds connection settings for the NATS sink.
type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.Name == "" {
		c.Name = "lixcarbon-relay"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "lixcarbon"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// NATSSink publishes every event on <prefix>.<event type>.
type NATSSink struct {
	conn *nats.Conn
	cfg  NATSConfig
}

func ConnectNATS(cfg NATSConfig) (*NATSSink, error) {
	cfg = cfg.withDefaults()
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnw("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{conn: conn, cfg: cfg}, nil
}

func (s *NATSSink) Name() string { return "nats:" + s.cfg.SubjectPrefix }

func (s *NATSSink) Accepts(string) bool { return true }

// Subject returns the subject an event type is published on.
func Subject(prefix, evtType string) string {
	return strings.TrimSuffix(prefix, ".") + "." + evtType
}

// Deliver publishes and flushes, so the cursor only advances once the server has the message.
func (s *NATSSink) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := encode(evt)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(Subject(s.cfg.SubjectPrefix, evt.Type), data); err != nil {
		return err
	}
	flushCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	defer cancel()
	return s.conn.FlushWithContext(flushCtx)
}

func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
