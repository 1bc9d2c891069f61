package api

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openDatabase 依照設定開啟 postgres 或 sqlite 連線，所有時間一律以 UTC 寫入
func openDatabase(config DBConfig) (*gorm.DB, error) {
	const op = "openDatabase"
	var dialector gorm.Dialector
	switch config.Driver {
	case DriverPostgres, "":
		// 以 search_path 指定 schema，查詢中的 table 名稱因此不需要加上前綴
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.User, config.Password, config.Host, config.Port, config.Database, config.Schema)
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(config.Path)
	default:
		return nil, fmt.Errorf("[%s] unsupported database driver %q", op, config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	if config.Driver == DriverSQLite {
		// sqlite 同時只允許一個寫入者
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to get sql.DB, err=%w", op, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func closeDatabase(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
