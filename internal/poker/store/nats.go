package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds connection settings for the JetStream-backed store.
type NATSConfig struct {
	URL           string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default settings for a local NATS server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Bucket:        "poker-sessions",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSStore persists session fields in a JetStream KeyValue bucket, one
// key per session field ("<CODE>.title", "<CODE>.owner").
type NATSStore struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// NewNATSStore connects to NATS and ensures the KeyValue bucket exists.
func NewNATSStore(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "planning poker session title/owner fields",
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure KV bucket: %w", err)
	}

	log.Info().Str("bucket", cfg.Bucket).Msg("session store bucket ready")
	return &NATSStore{nc: nc, kv: kv}, nil
}

func (s *NATSStore) GetField(ctx context.Context, code string, field Field) (string, error) {
	entry, err := s.kv.Get(ctx, kvKey(code, field))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s for session %s: %w", field, code, err)
	}
	return string(entry.Value()), nil
}

func (s *NATSStore) SetField(ctx context.Context, code string, field Field, value string) error {
	if _, err := s.kv.Put(ctx, kvKey(code, field), []byte(value)); err != nil {
		return fmt.Errorf("set %s for session %s: %w", field, code, err)
	}
	return nil
}

func (s *NATSStore) Exists(ctx context.Context, code string) (bool, error) {
	for _, field := range []Field{FieldTitle, FieldOwner} {
		_, err := s.kv.Get(ctx, kvKey(code, field))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, fmt.Errorf("check session %s: %w", code, err)
		}
	}
	return false, nil
}

// Close releases the NATS connection.
func (s *NATSStore) Close() {
	s.nc.Close()
}

func kvKey(code string, field Field) string {
	return code + "." + string(field)
}
