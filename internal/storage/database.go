package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the directory database configured under dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if strings.Contains(dbCfg.DSN, ":memory:") || strings.Contains(dbCfg.DSN, "mode=memory") {
			// every pooled connection would otherwise see its own empty database
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS employees (
				emp_no INTEGER PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				country_code TEXT NOT NULL,
				phone_number TEXT NOT NULL,
				is_disabled INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_employees_phone ON employees(country_code, phone_number)`,
			`CREATE TABLE IF NOT EXISTS service_entitlements (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				phone TEXT NOT NULL,
				service TEXT NOT NULL,
				position INTEGER NOT NULL DEFAULT 0,
				UNIQUE(phone, service)
			)`,
			`CREATE TABLE IF NOT EXISTS entities (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id TEXT NOT NULL,
				emp_no INTEGER NOT NULL,
				entity_id TEXT NOT NULL,
				display_name TEXT NOT NULL,
				position INTEGER NOT NULL DEFAULT 0,
				UNIQUE(tenant_id, emp_no, entity_id),
				FOREIGN KEY(emp_no) REFERENCES employees(emp_no) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS expense_types (
				tenant_id TEXT NOT NULL,
				expense_type_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				PRIMARY KEY (tenant_id, expense_type_id)
			)`,
			`CREATE TABLE IF NOT EXISTS expense_sub_types (
				tenant_id TEXT NOT NULL,
				expense_sub_type_id INTEGER NOT NULL,
				expense_type_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				PRIMARY KEY (tenant_id, expense_sub_type_id)
			)`,
			`CREATE TABLE IF NOT EXISTS claims (
				tenant_id TEXT NOT NULL,
				claim_no TEXT NOT NULL,
				emp_id INTEGER NOT NULL,
				entity_id TEXT NOT NULL,
				claim_status TEXT NOT NULL,
				is_deleted INTEGER,
				created_on DATETIME NOT NULL,
				PRIMARY KEY (tenant_id, claim_no)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_claims_draft ON claims(tenant_id, emp_id, entity_id, claim_status, created_on DESC)`,
			`CREATE TABLE IF NOT EXISTS media_files (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_phone TEXT NOT NULL,
				media_id TEXT NOT NULL,
				stored_path TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				size INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_media_files_expiry ON media_files(expires_at)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS employees (
				emp_no BIGINT NOT NULL,
				tenant_id VARCHAR(128) NOT NULL,
				country_code VARCHAR(8) NOT NULL,
				phone_number VARCHAR(32) NOT NULL,
				is_disabled TINYINT(1),
				PRIMARY KEY (emp_no),
				INDEX idx_employees_phone (country_code, phone_number)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS service_entitlements (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				phone VARCHAR(40) NOT NULL,
				service VARCHAR(32) NOT NULL,
				position INT NOT NULL DEFAULT 0,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_phone_service (phone, service)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS entities (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				tenant_id VARCHAR(128) NOT NULL,
				emp_no BIGINT NOT NULL,
				entity_id VARCHAR(64) NOT NULL,
				display_name VARCHAR(255) NOT NULL,
				position INT NOT NULL DEFAULT 0,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_entity (tenant_id, emp_no, entity_id),
				CONSTRAINT fk_entities_employee FOREIGN KEY (emp_no) REFERENCES employees(emp_no) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS expense_types (
				tenant_id VARCHAR(128) NOT NULL,
				expense_type_id BIGINT NOT NULL,
				name VARCHAR(255) NOT NULL,
				PRIMARY KEY (tenant_id, expense_type_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS expense_sub_types (
				tenant_id VARCHAR(128) NOT NULL,
				expense_sub_type_id BIGINT NOT NULL,
				expense_type_id BIGINT NOT NULL,
				name VARCHAR(255) NOT NULL,
				PRIMARY KEY (tenant_id, expense_sub_type_id),
				INDEX idx_sub_types_type (tenant_id, expense_type_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS claims (
				tenant_id VARCHAR(128) NOT NULL,
				claim_no VARCHAR(64) NOT NULL,
				emp_id BIGINT NOT NULL,
				entity_id VARCHAR(64) NOT NULL,
				claim_status VARCHAR(32) NOT NULL,
				is_deleted TINYINT(1),
				created_on DATETIME NOT NULL,
				PRIMARY KEY (tenant_id, claim_no),
				INDEX idx_claims_draft (tenant_id, emp_id, entity_id, claim_status, created_on)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS media_files (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_phone VARCHAR(40) NOT NULL,
				media_id VARCHAR(128) NOT NULL,
				stored_path TEXT NOT NULL,
				mime_type VARCHAR(255) NOT NULL,
				size BIGINT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_media_files_expiry (expires_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
