package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"carsties/models"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultPageSize = 4
	MaxPageSize     = 100
	// MaxPageNumber 讓 (PageNumber-1)*PageSize 在 32 位元 int 內不會溢位
	MaxPageNumber = math.MaxInt32 / MaxPageSize
	endingSoon    = 6 * time.Hour
)

// SearchParams 是投影查詢條件，所有條件以 AND 組合
type SearchParams struct {
	SearchTerm string `form:"searchTerm"`
	PageNumber int    `form:"pageNumber"`
	PageSize   int    `form:"pageSize"`
	Seller     string `form:"seller"`
	Winner     string `form:"winner"`
	// OrderBy 為 make、new 或空字串(依結束時間)
	OrderBy string `form:"orderBy"`
	// FilterBy 為 live、finished、endingsoon 或空字串
	FilterBy string `form:"filterBy"`
}

type SearchResult struct {
	Results    []models.ProjectionItem
	PageCount  int
	TotalCount int64
}

type queryOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

type QueryOption func(*queryOptions)

// WithQueryLogger 設置日誌記錄器
func WithQueryLogger(logger *slog.Logger) QueryOption {
	return func(o *queryOptions) {
		o.logger = logger
	}
}

// WithQueryClock 設置判斷拍賣是否結束用的時間來源
func WithQueryClock(now func() time.Time) QueryOption {
	return func(o *queryOptions) {
		o.now = now
	}
}

// QueryEngine 在投影上執行過濾、排序與分頁
type QueryEngine struct {
	db      *gorm.DB
	logger  *slog.Logger
	options queryOptions
}

func NewQueryEngine(db *gorm.DB, opts ...QueryOption) *QueryEngine {
	options := queryOptions{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &QueryEngine{
		db:      db,
		logger:  options.logger.With(slog.String("caller", "QueryEngine")),
		options: options,
	}
}

// Search 回傳符合條件的一頁結果，TotalCount 與 PageCount 以過濾後的集合計算
func (e *QueryEngine) Search(ctx context.Context, params SearchParams) (SearchResult, error) {
	const op = "QueryEngine.Search"
	params = normalize(params)
	words := lo.Uniq(tokenize(params.SearchTerm))
	now := e.options.now()

	var total int64
	if err := e.filtered(ctx, params, words, now).Count(&total).Error; err != nil {
		return SearchResult{}, fmt.Errorf("[%s] Fail to count items, err=%w", op, err)
	}

	// ORDER BY 必須是單一運算式，gorm 合併多個 OrderBy 時會丟掉帶參數的運算式
	var order []string
	var vars []any
	if len(words) > 0 {
		// 符合的單字越多排越前面
		order = append(order, scoreSQL(len(words))+" DESC")
		vars = likeVars(words)
	}
	switch params.OrderBy {
	case "make":
		order = append(order, "make", "model")
	case "new":
		order = append(order, "created_at", "model")
	default:
		order = append(order, "auction_end", "model")
	}
	order = append(order, "id")

	query := e.filtered(ctx, params, words, now).Order(clause.OrderBy{
		Expression: clause.Expr{SQL: strings.Join(order, ", "), Vars: vars, WithoutParentheses: true},
	})

	var items []models.ProjectionItem
	err := query.
		Offset((params.PageNumber - 1) * params.PageSize).
		Limit(params.PageSize).
		Find(&items).Error
	if err != nil {
		return SearchResult{}, fmt.Errorf("[%s] Fail to find items, err=%w", op, err)
	}

	return SearchResult{
		Results:    items,
		PageCount:  int((total + int64(params.PageSize) - 1) / int64(params.PageSize)),
		TotalCount: total,
	}, nil
}

func (e *QueryEngine) filtered(ctx context.Context, params SearchParams, words []string, now time.Time) *gorm.DB {
	query := e.db.WithContext(ctx).Model(&models.ProjectionItem{})
	if len(words) > 0 {
		conditions := make([]string, len(words))
		for i := range words {
			conditions[i] = likeSQL
		}
		query = query.Where("("+strings.Join(conditions, " OR ")+")", likeVars(words)...)
	}

	switch params.FilterBy {
	case "live":
		query = query.Where("auction_end > ?", now)
	case "finished":
		query = query.Where("auction_end < ?", now)
	case "endingsoon":
		query = query.Where("auction_end > ? AND auction_end < ?", now, now.Add(endingSoon))
	}

	if params.Seller != "" {
		query = query.Where("seller = ?", params.Seller)
	}
	if params.Winner != "" {
		query = query.Where("winner = ?", params.Winner)
	}
	return query
}

func normalize(params SearchParams) SearchParams {
	if params.PageNumber < 1 {
		params.PageNumber = 1
	}
	if params.PageNumber > MaxPageNumber {
		params.PageNumber = MaxPageNumber
	}
	if params.PageSize <= 0 {
		params.PageSize = DefaultPageSize
	}
	if params.PageSize > MaxPageSize {
		params.PageSize = MaxPageSize
	}
	params.OrderBy = strings.ToLower(params.OrderBy)
	params.FilterBy = strings.ToLower(params.FilterBy)
	return params
}

const likeSQL = `search_text LIKE ? ESCAPE '\'`

// scoreSQL 回傳計算符合單字數的運算式，參數與 likeVars 對應
func scoreSQL(n int) string {
	terms := make([]string, n)
	for i := range terms {
		terms[i] = "CASE WHEN " + likeSQL + " THEN 1 ELSE 0 END"
	}
	return "(" + strings.Join(terms, " + ") + ")"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeVars(words []string) []any {
	return lo.Map(words, func(word string, _ int) any {
		return "% " + likeEscaper.Replace(word) + " %"
	})
}
