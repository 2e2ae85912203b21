package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"BatteryManager6813/balancing"
	"BatteryManager6813/faults"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selectQuery = "SELECT value FROM system_parameters WHERE name = ?"
	upsertQuery = "INSERT INTO system_parameters (name, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)"
)

func mustEncode(t *testing.T, cfg balancing.Config) []byte {
	data, err := encode(cfg)
	require.NoError(t, err)
	return data
}

func TestSQLRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQL(db)
	cfg := balancing.Config{Threshold: 20, SlotTime: 5}
	data := mustEncode(t, cfg)

	mock.ExpectExec(regexp.QuoteMeta(upsertQuery)).
		WithArgs(VersionTag, data).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Save(context.Background(), cfg))

	mock.ExpectQuery(regexp.QuoteMeta(selectQuery)).
		WithArgs(VersionTag).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(data))
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery(regexp.QuoteMeta(selectQuery)).
		WithArgs(VersionTag).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, err = NewSQL(db).Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	boom := errors.New("connection refused")
	mock.ExpectExec(regexp.QuoteMeta(upsertQuery)).WillReturnError(boom)
	assert.ErrorIs(t, NewSQL(db).Save(context.Background(), balancing.DefaultConfig()), boom)
}

func TestDecodeRejects(t *testing.T) {
	wrongVersion, err := cbor.Marshal(record{Version: "balancing.v0", Config: balancing.DefaultConfig()})
	require.NoError(t, err)
	outOfRange, err := cbor.Marshal(record{Version: VersionTag, Config: balancing.Config{Threshold: 0, SlotTime: 2}})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte{0xff, 0x00, 0x13}},
		{"wrong version", wrongVersion},
		{"out of range", outOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(tt.data)
			var invalid *ConfigInvalidError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestRedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedis(client)

	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := balancing.Config{Threshold: 30, SlotTime: 1}
	require.NoError(t, s.Save(context.Background(), cfg))
	assert.True(t, mr.Exists("bms:"+VersionTag))
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadOrDefault(t *testing.T) {
	now := time.Unix(50, 0)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedis(client)

	reg := faults.New(faults.Capacity{Cells: 4, Devices: 1})
	fallback := balancing.Config{Threshold: 40, SlotTime: 2}
	assert.Equal(t, fallback, LoadOrDefault(context.Background(), s, fallback, reg, now))
	assert.Empty(t, reg.Active(), "an empty store is not a fault")

	require.NoError(t, mr.Set("bms:"+VersionTag, "not cbor at all"))
	assert.Equal(t, fallback, LoadOrDefault(context.Background(), s, fallback, reg, now))
	assert.True(t, reg.IsActive(faults.ConfigInvalid, 0))
	assert.False(t, reg.AnyFatal())

	cfg := balancing.Config{Threshold: 12, SlotTime: 3}
	require.NoError(t, s.Save(context.Background(), cfg))
	assert.Equal(t, cfg, LoadOrDefault(context.Background(), s, fallback, nil, now))
}
