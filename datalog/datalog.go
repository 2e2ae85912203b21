package datalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"BatteryManager6813/bms"
	"BatteryManager6813/faults"
	"BatteryManager6813/fsm"
	"BatteryManager6813/pack"
	"github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"
)

var ErrRange = errors.New("datalog: start must be before end")

type Config struct {
	Host     string
	Name     string
	User     string
	Password string
}

// Open connects to the MySQL logging database and checks that it answers.
func Open(cfg Config) (*sql.DB, error) {
	dsn := mysql.Config{
		User:                 cfg.User,
		Passwd:               cfg.Password,
		Net:                  "tcp",
		Addr:                 cfg.Host,
		DBName:               cfg.Name,
		Loc:                  time.Local,
		ParseTime:            true,
		AllowNativePasswords: true,
	}
	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

const (
	insertPack = `insert into pack (logged, state, total_voltage, max_voltage, min_voltage, current, avg_temperature)
                  values (?, ?, ?, ?, ?, ?, ?)`
	insertCell = `insert into cell (logged, cell, voltage, temperature, stale)
                  values (?, ?, ?, ?, ?)`
	insertFault = `insert into fault_log (logged, kind, subject, event, fatal, count)
                   values (?, ?, ?, ?, ?, ?)`
	historyRaw = `select unix_timestamp(logged) as logged,
		total_voltage / 10 as total,
		max_voltage / 10 as max_,
		min_voltage / 10 as min_,
		current / 1000 as current_
		from pack
		where logged between ? and ?`
	historyGrouped = `select min(unix_timestamp(logged)) as logged,
		avg(total_voltage) / 10 as total,
		avg(max_voltage) / 10 as max_,
		avg(min_voltage) / 10 as min_,
		avg(current) / 1000 as current_
		from pack
		where logged between ? and ?
		group by unix_timestamp(logged) DIV 15`
)

// Logger writes pack history and fault transitions to MySQL.
type Logger struct {
	db *sql.DB
}

func New(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// LogSnapshot stores the pack row and one row per cell in a single transaction.
func (l *Logger) LogSnapshot(ctx context.Context, s pack.Snapshot, state fsm.State, at time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datalog: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertPack, at, state.String(), s.TotalVoltage, s.MaxVoltage, s.MinVoltage,
		s.Current, s.AvgTemperature); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("datalog: pack: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertCell)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("datalog: %w", err)
	}
	for i, c := range s.Cells {
		var temp sql.NullInt16
		if c.HasTemperature {
			temp = sql.NullInt16{Int16: c.Temperature, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, at, i, c.Voltage, temp, c.Stale); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("datalog: cell %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datalog: %w", err)
	}
	return nil
}

func (l *Logger) LogFault(ctx context.Context, e faults.Event) error {
	_, err := l.db.ExecContext(ctx, insertFault, e.At, e.Instance.Kind.String(), e.Instance.Subject,
		e.Change.String(), e.Instance.Fatal, e.Instance.Count)
	if err != nil {
		return fmt.Errorf("datalog: fault: %w", err)
	}
	return nil
}

// Sample is one point of pack history in volts and amps.
type Sample struct {
	Logged  float64 `json:"logged"`
	Total   float64 `json:"total"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
	Current float64 `json:"current"`
}

/*
History returns the pack history between start and end. Spans longer than an hour are averaged
over 15 second buckets.
*/
func (l *Logger) History(ctx context.Context, start, end time.Time) ([]Sample, error) {
	if start.After(end) {
		return nil, ErrRange
	}
	query := historyRaw
	if end.Sub(start) > time.Hour {
		query = historyGrouped
	}
	rows, err := l.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("datalog: %w", err)
	}
	defer rows.Close()
	var samples []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.Logged, &s.Total, &s.Max, &s.Min, &s.Current); err != nil {
			return nil, fmt.Errorf("datalog: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

/*
Recorder decouples the control loop from the database. Observe and Fault never block: the latest
status replaces any unwritten one and fault events are dropped when the queue is full.
*/
type Recorder struct {
	logger   *Logger
	interval time.Duration
	events   chan faults.Event
	mu       sync.Mutex
	latest   *bms.Status
}

func NewRecorder(l *Logger, interval time.Duration) *Recorder {
	return &Recorder{logger: l, interval: interval, events: make(chan faults.Event, 32)}
}

func (r *Recorder) Observe(s bms.Status) {
	r.mu.Lock()
	r.latest = &s
	r.mu.Unlock()
}

func (r *Recorder) Fault(e faults.Event) {
	select {
	case r.events <- e:
	default:
		log.WithField("kind", e.Instance.Kind).Warn("Fault log queue full, event dropped")
	}
}

func (r *Recorder) take() *bms.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.latest
	r.latest = nil
	return s
}

// Run writes the latest status every interval and fault events as they arrive.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.events:
			if err := r.logger.LogFault(ctx, e); err != nil {
				log.WithError(err).Error("Logging fault event failed")
			}
		case now := <-ticker.C:
			s := r.take()
			if s == nil {
				continue
			}
			if err := r.logger.LogSnapshot(ctx, s.Snapshot, s.State, now); err != nil {
				log.WithError(err).Error("Logging pack data failed")
			}
		}
	}
}
