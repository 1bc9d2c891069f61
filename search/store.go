// Package search 維護拍賣的搜尋投影並提供查詢。
//
// 投影只由事件更新：版本較新的事件覆寫較舊的資料，刪除會留下墓碑，
// 因此事件重複或亂序抵達時最後都會收斂到同一個狀態。
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"carsties/events"
	"carsties/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("projection item not found")

// 版本較新時才覆寫的欄位
var upsertColumns = []string{
	"make", "model", "color", "mileage", "year", "image_url",
	"seller", "winner", "reserve_price", "current_high_bid",
	"auction_end", "created_at", "updated_at", "search_text", "version",
}

type storeOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

type StoreOption func(*storeOptions)

// WithStoreLogger 設置日誌記錄器
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithStoreClock 設置時間來源
func WithStoreClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = now
	}
}

// Store 是投影的儲存層
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	options storeOptions
}

func NewStore(db *gorm.DB, opts ...StoreOption) *Store {
	options := storeOptions{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Store{
		db:      db,
		logger:  options.logger.With(slog.String("caller", "ProjectionStore")),
		options: options,
	}
}

// Migrate 建立投影與墓碑資料表
func (s *Store) Migrate(ctx context.Context) error {
	const op = "ProjectionStore.Migrate"
	if err := s.db.WithContext(ctx).AutoMigrate(&models.ProjectionItem{}, &models.ProjectionTombstone{}); err != nil {
		return fmt.Errorf("[%s] Fail to migrate, err=%w", op, err)
	}
	return nil
}

// Get 讀取單一投影
func (s *Store) Get(ctx context.Context, id string) (models.ProjectionItem, error) {
	const op = "ProjectionStore.Get"
	var item models.ProjectionItem
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ProjectionItem{}, ErrNotFound
	}
	if err != nil {
		return models.ProjectionItem{}, fmt.Errorf("[%s] Fail to get item, err=%w", op, err)
	}
	return item, nil
}

// Upsert 寫入投影，只有版本比現有資料新時才會覆寫。
// 已刪除(有墓碑)的拍賣一律拒絕。回傳值表示投影是否被改變。
func (s *Store) Upsert(ctx context.Context, item models.ProjectionItem) (bool, error) {
	const op = "ProjectionStore.Upsert"
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockItem(tx, item.ID); err != nil {
			return err
		}
		tombstoned, err := hasTombstone(tx, item.ID)
		if err != nil || tombstoned {
			return err
		}

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "projection_items.version < excluded.version"},
			}},
		}).Create(&item)
		if result.Error != nil {
			return result.Error
		}
		applied = result.RowsAffected > 0

		// 沒有 advisory lock 的資料庫(sqlite 以單一寫入者序列化)仍可能在寫入後才看到墓碑
		tombstoned, err = hasTombstone(tx, item.ID)
		if err != nil {
			return err
		}
		if tombstoned {
			applied = false
			return tx.Where("id = ?", item.ID).Delete(&models.ProjectionItem{}).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to upsert item, err=%w", op, err)
	}
	return applied, nil
}

// Delete 先寫入墓碑再移除投影，之後抵達的任何版本都不會讓投影復活
func (s *Store) Delete(ctx context.Context, id string, version int64) (bool, error) {
	const op = "ProjectionStore.Delete"
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockItem(tx, id); err != nil {
			return err
		}
		tombstone := models.ProjectionTombstone{
			ID:        id,
			Version:   version,
			RemovedAt: s.options.now(),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "projection_tombstones.version < excluded.version"},
			}},
		}).Create(&tombstone).Error
		if err != nil {
			return err
		}

		result := tx.Where("id = ?", id).Delete(&models.ProjectionItem{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to delete item, err=%w", op, err)
	}
	return removed, nil
}

// LastUpdated 回傳投影中最新的 UpdatedAt，投影為空時回傳 nil
func (s *Store) LastUpdated(ctx context.Context) (*time.Time, error) {
	const op = "ProjectionStore.LastUpdated"
	var item models.ProjectionItem
	err := s.db.WithContext(ctx).Order("updated_at DESC").Limit(1).Find(&item).Error
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to find last update, err=%w", op, err)
	}
	if item.ID == "" {
		return nil, nil
	}
	last := item.UpdatedAt.UTC()
	return &last, nil
}

// lockItem 在 postgres 上以交易層級的 advisory lock 序列化同一拍賣的寫入。
// 建立與刪除來自不同的訂閱，READ COMMITTED 下彼此看不到未提交的墓碑或投影。
func lockItem(tx *gorm.DB, id string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", advisoryKey(id)).Error
}

func advisoryKey(id string) string {
	return "projection:" + id
}

func hasTombstone(tx *gorm.DB, id string) (bool, error) {
	var count int64
	if err := tx.Model(&models.ProjectionTombstone{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ItemFromState 將事件快照轉為投影
func ItemFromState(state events.AuctionState, version int64) models.ProjectionItem {
	winner := ""
	if state.Winner != nil {
		winner = *state.Winner
	}
	return models.ProjectionItem{
		ID:             state.ID,
		Make:           state.Make,
		Model:          state.Model,
		Color:          state.Color,
		Mileage:        state.Mileage,
		Year:           state.Year,
		ImageURL:       state.ImageURL,
		Seller:         state.Seller,
		Winner:         winner,
		ReservePrice:   state.ReservePrice,
		CurrentHighBid: state.CurrentHighBid,
		AuctionEnd:     state.AuctionEnd.UTC(),
		CreatedAt:      state.CreatedAt.UTC(),
		UpdatedAt:      state.UpdatedAt.UTC(),
		SearchText:     searchText(state.Make, state.Model, state.Color),
		Version:        version,
	}
}

// searchText 產生前後與單字之間都以單一空白分隔的小寫文字，查詢以 "% word %" 比對整個單字
func searchText(fields ...string) string {
	var words []string
	for _, field := range fields {
		words = append(words, tokenize(field)...)
	}
	if len(words) == 0 {
		return ""
	}
	return " " + strings.Join(words, " ") + " "
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
