package auction

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"carsties/events"
	"carsties/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "auction.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestRepository(t *testing.T, opts ...RepositoryOption) *Repository {
	t.Helper()
	repo := NewRepository(newTestDB(t), opts...)
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func validInput() CreateAuctionInput {
	return CreateAuctionInput{
		Make:         "Ford",
		Model:        "GT",
		Color:        "White",
		Mileage:      50000,
		Year:         2020,
		ReservePrice: 20000,
		AuctionEnd:   time.Now().UTC().Add(24 * time.Hour),
	}
}

func outbox(t *testing.T, repo *Repository) []events.Envelope {
	t.Helper()
	var rows []models.OutboxMessage
	require.NoError(t, repo.db.Order("created_at").Order("id").Find(&rows).Error)
	envs := make([]events.Envelope, 0, len(rows))
	for _, row := range rows {
		env, err := events.Decode(row.Payload)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}
