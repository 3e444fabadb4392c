package heliant

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carenet/referrals/internal/adapters/health"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/shared/errors"
	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"go.uber.org/zap"
)

// Directory implements health.HospitalDirectory and health.PatientDirectory
// on top of the Heliant HIS database. Hospital capacity is cached and
// refreshed on a polling interval.
type Directory struct {
	db     *sql.DB
	config Config
	log    *zap.Logger

	mu        sync.RWMutex
	hospitals map[domain.HospitalID]health.Hospital
	lastPoll  time.Time

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Config holds Heliant connection and table settings
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Encrypt  bool

	PollInterval     time.Duration
	InstitutionTable string
	PatientTable     string
}

// DefaultConfig returns default Heliant configuration
func DefaultConfig() Config {
	return Config{
		Port:             1433,
		Database:         "heliant",
		PollInterval:     30 * time.Second,
		InstitutionTable: "dbo.Institutions",
		PatientTable:     "dbo.Patients",
	}
}

// ConnectionString builds the sqlserver DSN.
func (c Config) ConnectionString() string {
	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s",
		c.Host, c.Port, c.Database, c.User, c.Password)
	if c.Encrypt {
		connStr += ";encrypt=true;TrustServerCertificate=true"
	}
	return connStr
}

// New creates a directory that connects on Start.
func New(cfg Config, log *zap.Logger) *Directory {
	return &Directory{
		config:    cfg,
		log:       log.Named("heliant"),
		hospitals: make(map[domain.HospitalID]health.Hospital),
	}
}

// NewWithDB creates a directory over an existing connection.
func NewWithDB(db *sql.DB, cfg Config, log *zap.Logger) *Directory {
	d := New(cfg, log)
	d.db = db
	return d
}

// Start opens the database if needed, loads hospitals and starts polling.
func (d *Directory) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("heliant directory already running")
	}
	if d.db == nil {
		db, err := sql.Open("sqlserver", d.config.ConnectionString())
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			d.mu.Unlock()
			return fmt.Errorf("failed to ping database: %w", err)
		}
		d.db = db
	}
	d.running = true
	d.mu.Unlock()

	if err := d.Refresh(ctx); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.pollLoop(pollCtx)
	return nil
}

// Stop ends polling and closes the connection.
func (d *Directory) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return d.db.Close()
}

// Health checks database connectivity
func (d *Directory) Health(ctx context.Context) error {
	if d.db == nil {
		return fmt.Errorf("heliant directory not connected")
	}
	return d.db.PingContext(ctx)
}

func (d *Directory) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.log.Warn("hospital refresh failed", zap.Error(err))
			}
		}
	}
}

func (d *Directory) hospitalQuery() string {
	return fmt.Sprintf(`
		SELECT
			InstitutionCode,
			Name,
			Level,
			Role,
			FreeBeds,
			NotificationSeconds,
			AutoEscalate,
			Active,
			Latitude,
			Longitude
		FROM %s`, d.config.InstitutionTable)
}

// Refresh reloads all hospitals into the cache.
func (d *Directory) Refresh(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, d.hospitalQuery())
	if err != nil {
		return fmt.Errorf("failed to query institutions: %w", err)
	}
	defer rows.Close()

	fresh := make(map[domain.HospitalID]health.Hospital)
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return fmt.Errorf("failed to scan institution: %w", err)
		}
		fresh[h.ID] = h
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate institutions: %w", err)
	}

	d.mu.Lock()
	d.hospitals = fresh
	d.lastPoll = time.Now()
	d.mu.Unlock()

	d.log.Debug("hospital directory refreshed", zap.Int("hospitals", len(fresh)))
	return nil
}

// ResolveHospital serves from cache and falls back to a direct lookup for
// hospitals added since the last poll.
func (d *Directory) ResolveHospital(ctx context.Context, id domain.HospitalID) (*health.Hospital, error) {
	d.mu.RLock()
	h, ok := d.hospitals[id]
	d.mu.RUnlock()
	if ok {
		return &h, nil
	}

	row := d.db.QueryRowContext(ctx, d.hospitalQuery()+` WHERE InstitutionCode = @p1`, id.String())
	h, err := scanHospital(row)
	if err == sql.ErrNoRows {
		return nil, errors.UnknownHospital(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query institution %s: %w", id, err)
	}

	d.mu.Lock()
	d.hospitals[h.ID] = h
	d.mu.Unlock()
	return &h, nil
}

// ListHospitals returns cached hospitals in natural id order.
func (d *Directory) ListHospitals(ctx context.Context) ([]health.Hospital, error) {
	d.mu.RLock()
	loaded := !d.lastPoll.IsZero()
	d.mu.RUnlock()
	if !loaded {
		if err := d.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	d.mu.RLock()
	out := make([]health.Hospital, 0, len(d.hospitals))
	for _, h := range d.hospitals {
		out = append(out, h)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return domain.CompareHospitalIDs(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

// PatientExists matches the reference against the local patient id or JMBG.
func (d *Directory) PatientExists(ctx context.Context, patientRef string) (bool, error) {
	if patientRef == "" {
		return false, nil
	}
	query := fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE PatientID = @p1 OR JMBG = @p1`, d.config.PatientTable)

	var n int
	if err := d.db.QueryRowContext(ctx, query, patientRef).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up patient: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHospital(s scanner) (health.Hospital, error) {
	var (
		h          health.Hospital
		id         string
		level      sql.NullString
		role       sql.NullString
		notifySecs sql.NullInt64
		lat, lng   sql.NullFloat64
	)
	err := s.Scan(&id, &h.Name, &level, &role, &h.AvailableBeds, &notifySecs, &h.AutoEscalate, &h.Active, &lat, &lng)
	if err != nil {
		return health.Hospital{}, err
	}

	h.ID = domain.HospitalID(id)
	h.Level = level.String
	h.Role = health.ParseRole(role.String)
	if notifySecs.Valid && notifySecs.Int64 > 0 {
		h.NotificationDuration = time.Duration(notifySecs.Int64) * time.Second
	}
	h.Latitude = lat.Float64
	h.Longitude = lng.Float64
	return h, nil
}
