package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BatteryManager6813/balancing"
	"BatteryManager6813/faults"
	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// VersionTag identifies the layout of the persisted balancing parameters.
const VersionTag = "balancing.v1"

var ErrNotFound = errors.New("store: no balancing configuration stored")

// ConfigInvalidError reports a stored configuration that could not be used.
type ConfigInvalidError struct {
	Reason string
	Err    error
}

func (e *ConfigInvalidError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: invalid balancing configuration: %s: %v", e.Reason, e.Err)
	}
	return "store: invalid balancing configuration: " + e.Reason
}

func (e *ConfigInvalidError) Unwrap() error {
	return e.Err
}

// Store persists the balancing configuration under VersionTag.
type Store interface {
	Load(ctx context.Context) (balancing.Config, error)
	Save(ctx context.Context, cfg balancing.Config) error
}

type record struct {
	Version string           `cbor:"1,keyasint"`
	Config  balancing.Config `cbor:"2,keyasint"`
}

func encode(cfg balancing.Config) ([]byte, error) {
	return cbor.Marshal(record{Version: VersionTag, Config: cfg})
}

func decode(data []byte) (balancing.Config, error) {
	var r record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return balancing.Config{}, &ConfigInvalidError{Reason: "undecodable", Err: err}
	}
	if r.Version != VersionTag {
		return balancing.Config{}, &ConfigInvalidError{Reason: fmt.Sprintf("version %q", r.Version)}
	}
	if err := r.Config.Validate(); err != nil {
		return balancing.Config{}, &ConfigInvalidError{Reason: "out of range", Err: err}
	}
	return r.Config, nil
}

/*
LoadOrDefault returns the stored configuration. When nothing is stored the fallback is used
silently. Anything else that goes wrong is logged, raised as a soft ConfigInvalid fault and
answered with the fallback. Boot never fails on it.
*/
func LoadOrDefault(ctx context.Context, s Store, fallback balancing.Config, reg *faults.Registry, now time.Time) balancing.Config {
	cfg, err := s.Load(ctx)
	switch {
	case err == nil:
		return cfg
	case errors.Is(err, ErrNotFound):
		log.Info("No stored balancing configuration, using defaults")
	default:
		log.WithError(err).Warn("Stored balancing configuration rejected, using defaults")
		if reg != nil {
			reg.Set(faults.ConfigInvalid, 0, now)
		}
	}
	return fallback
}

// ---- MySQL ----

// SQLStore keeps the configuration in the system_parameters table.
type SQLStore struct {
	db *sql.DB
}

func NewSQL(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Load(ctx context.Context) (balancing.Config, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_parameters WHERE name = ?", VersionTag).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return balancing.Config{}, ErrNotFound
	}
	if err != nil {
		return balancing.Config{}, fmt.Errorf("store: %w", err)
	}
	return decode(data)
}

func (s *SQLStore) Save(ctx context.Context, cfg balancing.Config) error {
	data, err := encode(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO system_parameters (name, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)",
		VersionTag, data)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// ---- Redis ----

// RedisStore keeps the configuration under a single key.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, key: "bms:" + VersionTag}
}

func (s *RedisStore) Load(ctx context.Context) (balancing.Config, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return balancing.Config{}, ErrNotFound
	}
	if err != nil {
		return balancing.Config{}, fmt.Errorf("store: %w", err)
	}
	return decode(data)
}

func (s *RedisStore) Save(ctx context.Context, cfg balancing.Config) error {
	data, err := encode(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
