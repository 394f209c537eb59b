package sqldb

import (
	"context"
	"fmt"
	"time"

	"versionstore/pkg/storage"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	SqliteName   = "sqlite"
	PostgresName = "postgres"

	defaultScanBatchSize = 256
)

// SqliteConfig 对应 backend.sqlite.*
type SqliteConfig struct {
	DSN           string `mapstructure:"dsn"`
	LogSQL        bool   `mapstructure:"log-sql"`
	ScanBatchSize int    `mapstructure:"scan-batch-size"`
}

// PostgresConfig 对应 backend.postgres.*
type PostgresConfig struct {
	// URL 不为空时直接作为连接串，忽略下面的分项
	URL string `mapstructure:"dsn"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"` // "disable" for local

	MaxIdleConns  int  `mapstructure:"max-idle-conns"`
	MaxOpenConns  int  `mapstructure:"max-open-conns"`
	LogSQL        bool `mapstructure:"log-sql"`
	ScanBatchSize int  `mapstructure:"scan-batch-size"`
}

// DSN 拼出 pgx 使用的连接串
func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode,
	)
}

func gormConfig(logSQL bool) *gorm.Config {
	level := logger.Silent
	if logSQL {
		level = logger.Info
	}
	return &gorm.Config{
		Logger: logger.Default.LogMode(level),
		// 把驱动的唯一约束错误统一翻译成 gorm.ErrDuplicatedKey
		TranslateError: true,
	}
}

// OpenSqlite 打开 (或创建) 一个 SQLite 数据库
// SQLite 同一时刻只允许一个写者，这里把连接池限制为 1，避免 "database is locked"。
func OpenSqlite(ctx context.Context, cfg SqliteConfig) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: sqlite dsn must not be empty", storage.ErrInvalidArgument)
	}
	db, err := gorm.Open(sqlite.Open(cfg.DSN), gormConfig(cfg.LogSQL))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return newBackend(ctx, SqliteName, db, cfg.ScanBatchSize)
}

// OpenPostgres 初始化数据库连接
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Backend, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig(cfg.LogSQL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 获取底层 sql.DB 以配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 10))
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 100))
	sqlDB.SetConnMaxLifetime(time.Hour)

	return newBackend(ctx, PostgresName, db, cfg.ScanBatchSize)
}

// NewWithConn 使用现有的 GORM 连接，调用方负责连接池配置 (测试或复用连接池)
func NewWithConn(ctx context.Context, name string, conn *gorm.DB) (*Backend, error) {
	return newBackend(ctx, name, conn, 0)
}

func newBackend(ctx context.Context, name string, db *gorm.DB, batch int) (*Backend, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 验证连接是否存活
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	// 自动迁移表结构
	if err := db.WithContext(ctx).AutoMigrate(&ObjModel{}, &RefModel{}); err != nil {
		return nil, fmt.Errorf("auto migration failed: %w", err)
	}
	return &Backend{name: name, db: db, batch: orDefault(batch, defaultScanBatchSize)}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// -----------------------------------------------------------------------------
// 注册
// -----------------------------------------------------------------------------

type sqliteFactory struct{}

func (sqliteFactory) Name() string   { return SqliteName }
func (sqliteFactory) NewConfig() any { return &SqliteConfig{} }
func (sqliteFactory) Build(ctx context.Context, cfg any) (storage.Backend, error) {
	c, ok := cfg.(*SqliteConfig)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected config type %T", storage.ErrInvalidArgument, cfg)
	}
	return OpenSqlite(ctx, *c)
}

type postgresFactory struct{}

func (postgresFactory) Name() string { return PostgresName }
func (postgresFactory) NewConfig() any {
	return &PostgresConfig{Host: "localhost", Port: 5432, SSLMode: "disable"}
}
func (postgresFactory) Build(ctx context.Context, cfg any) (storage.Backend, error) {
	c, ok := cfg.(*PostgresConfig)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected config type %T", storage.ErrInvalidArgument, cfg)
	}
	return OpenPostgres(ctx, *c)
}

func init() {
	storage.Register(sqliteFactory{})
	storage.Register(postgresFactory{})
}
