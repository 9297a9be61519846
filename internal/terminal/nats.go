package terminal

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBridge feeds a LocalRegistry from NATS subjects. Host-side terminal
// producers publish raw UTF-8 output to "<prefix>.<terminalId>.out" and an
// empty message to "<prefix>.<terminalId>.exit" when the process ends.
//
// The bridge is intentionally thin: ordering and backpressure are the
// broker's job, the bridge only moves bytes off the wire.
type NATSBridge struct {
	nc     *nats.Conn
	reg    *LocalRegistry
	logger zerolog.Logger
	prefix string
	subs   []*nats.Subscription
}

type NATSBridgeConfig struct {
	URL           string
	SubjectPrefix string // defaults to "term"
	MaxReconnects int
	ReconnectWait time.Duration
}

func NewNATSBridge(cfg NATSBridgeConfig, reg *LocalRegistry, logger zerolog.Logger) (*NATSBridge, error) {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "term"
	}
	logger = logger.With().Str("component", "nats-bridge").Logger()

	b := &NATSBridge{
		reg:    reg,
		logger: logger,
		prefix: prefix,
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.nc = nc

	b.logger.Info().Str("url", nc.ConnectedUrl()).Str("prefix", prefix).Msg("Connected to NATS")
	return b, nil
}

// Start subscribes to the output and exit subjects.
func (b *NATSBridge) Start() error {
	outSub, err := b.nc.Subscribe(b.prefix+".*.out", func(msg *nats.Msg) {
		id, ok := b.terminalID(msg.Subject)
		if !ok {
			return
		}
		b.reg.PublishOutput(id, string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to terminal output: %w", err)
	}
	b.subs = append(b.subs, outSub)

	exitSub, err := b.nc.Subscribe(b.prefix+".*.exit", func(msg *nats.Msg) {
		id, ok := b.terminalID(msg.Subject)
		if !ok {
			return
		}
		b.reg.PublishExit(id)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to terminal exit: %w", err)
	}
	b.subs = append(b.subs, exitSub)

	return nil
}

// terminalID extracts the terminal identifier from "<prefix>.<id>.<event>".
func (b *NATSBridge) terminalID(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != b.prefix || parts[1] == "" {
		b.logger.Debug().Str("subject", subject).Msg("Ignoring malformed terminal subject")
		return "", false
	}
	return parts[1], true
}

// Stop drains the subscriptions and closes the connection.
func (b *NATSBridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to unsubscribe")
		}
	}
	b.subs = nil
	if b.nc != nil {
		b.nc.Close()
	}
}
