// Package db opens the SQL database used for durable sessions and the
// delivery audit trail.
package db

import (
	"fmt"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NormalizeMySQLDSN parses a MySQL DSN and forces the options the models
// rely on: parseTime so DATETIME columns scan into time.Time.
func NormalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("db: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Connect opens a GORM connection for the given driver ("sqlite" or "mysql").
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		normalized, err := NormalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(normalized)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", driver, err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}
