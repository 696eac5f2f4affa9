package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cropsense/cropsense/internal/config"
	"github.com/cropsense/cropsense/internal/logger"
	"github.com/cropsense/cropsense/internal/model"
	"github.com/cropsense/cropsense/internal/storage"
)

// Store implements the device and telemetry repositories over gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database, retrying while it comes up.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	var dialector gorm.Dialector
	dsn := cfg.GetDSN()
	switch cfg.Database.Driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	var db *gorm.DB
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		var err error
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			logger.Warnf("sqlstore: connect %s: %v", cfg.Database.Driver, err)
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			logger.Warnf("sqlstore: ping %s: %v", cfg.Database.Driver, err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, _ := db.DB()
	pool := cfg.Database.ConnectionPool
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	logger.Infof("sqlstore: connected (%s)", cfg.Database.Driver)
	return &Store{db: db}, nil
}

// New wraps an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) CreateDevice(ctx context.Context, d *Device) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("create device %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("device %s: %w", id, storage.ErrDeviceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return &d, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

// deviceColumns maps field names to the columns that store them. Anything
// else goes into the attributes document.
var deviceColumns = map[string]string{
	"name":                       "name",
	"location":                   "location",
	"mac":                        "mac",
	model.FieldLastIP:            "last_ip",
	model.FieldLastCommunication: "last_communication_at",
}

// UpdateDeviceFields applies a field map to an existing device.
func (s *Store) UpdateDeviceFields(ctx context.Context, deviceID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d Device
		err := tx.First(&d, "id = ?", deviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("device %s: %w", deviceID, storage.ErrDeviceNotFound)
		}
		if err != nil {
			return fmt.Errorf("load device %s: %w", deviceID, err)
		}

		updates := make(map[string]any, len(fields))
		var extra map[string]any
		for k, v := range fields {
			if col, ok := deviceColumns[k]; ok {
				updates[col] = v
				continue
			}
			if extra == nil {
				extra = make(map[string]any)
				if d.Attributes != "" {
					if err := json.Unmarshal([]byte(d.Attributes), &extra); err != nil {
						logger.Warnf("sqlstore: device %s: discarding unreadable attributes: %v", deviceID, err)
						extra = make(map[string]any)
					}
				}
			}
			extra[k] = v
		}
		if extra != nil {
			b, err := json.Marshal(extra)
			if err != nil {
				return fmt.Errorf("encode attributes of %s: %w", deviceID, err)
			}
			updates["attributes"] = string(b)
		}

		if err := tx.Model(&d).Updates(updates).Error; err != nil {
			return fmt.Errorf("update device %s: %w", deviceID, err)
		}
		return nil
	})
}

func (s *Store) PersistReading(ctx context.Context, r model.Reading) error {
	rec := newRecord(r)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// ReadingsInRange returns readings of a device in [start, end), oldest first.
func (s *Store) ReadingsInRange(ctx context.Context, deviceID string, start, end time.Time, types ...model.SensorType) ([]model.Reading, error) {
	q := s.db.WithContext(ctx).
		Where("device_id = ? AND recorded_at >= ? AND recorded_at < ?", deviceID, start.UTC(), end.UTC())
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q = q.Where("sensor_type IN ?", names)
	}

	var recs []ReadingRecord
	if err := q.Order("recorded_at, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	out := make([]model.Reading, len(recs))
	for i, rec := range recs {
		out[i] = rec.Reading()
	}
	return out, nil
}
