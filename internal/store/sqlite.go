package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"trade-mirror/internal/config"
)

// Store 持有审计事件使用的 SQLite 连接池。
type Store struct {
	db *sql.DB
}

// NewSQLite 按配置打开 SQLite，文件库启用 WAL，内存库固定为单连接。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	if cfg.InMemory {
		// 每个连接各自持有一份内存库。
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("连接 SQLite 数据库失败: %w", err)
	}

	return &Store{db: conn}, nil
}

func buildDSN(cfg config.DatabaseConfig) (string, error) {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")
	params.Set("_synchronous", "NORMAL")

	if cfg.InMemory {
		return ":memory:?" + params.Encode(), nil
	}

	if cfg.Path == "" {
		return "", fmt.Errorf("store: database.path 不能为空")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("创建目录 %q 失败: %w", dir, err)
		}
	}

	params.Set("_journal_mode", "WAL")
	return cfg.Path + "?" + params.Encode(), nil
}

// DB 返回底层 *sql.DB。
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping 供健康检查使用。
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store: 数据库未初始化")
	}
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接，可重复调用。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
