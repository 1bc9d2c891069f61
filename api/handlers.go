package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"carsties/auction"
	"carsties/models"
	"carsties/notification"
	"carsties/search"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

const (
	headerUser = "X-User"
	userKey    = "user"

	// 30秒沒有事件就發送一行註解，確保瀏覽器和代理不會斷開連線
	heartbeatInterval = 30 * time.Second
)

type errorResponse struct {
	Message string `json:"message"`
}

// auctionResponse 是拍賣服務回應的 JSON，搜尋服務補齊投影時也使用相同格式
type auctionResponse struct {
	ID             string    `json:"id"`
	Make           string    `json:"make"`
	Model          string    `json:"model"`
	Color          string    `json:"color"`
	Mileage        int       `json:"mileage"`
	Year           int       `json:"year"`
	ImageURL       string    `json:"imageUrl"`
	Seller         string    `json:"seller"`
	Winner         *string   `json:"winner"`
	ReservePrice   int64     `json:"reservePrice"`
	CurrentHighBid *int64    `json:"currentHighBid"`
	AuctionEnd     time.Time `json:"auctionEnd"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Version        int64     `json:"version"`
}

func newAuctionResponse(a models.Auction) auctionResponse {
	return auctionResponse{
		ID:             a.ID,
		Make:           a.Make,
		Model:          a.Model,
		Color:          a.Color,
		Mileage:        a.Mileage,
		Year:           a.Year,
		ImageURL:       a.ImageURL,
		Seller:         a.Seller,
		Winner:         a.Winner,
		ReservePrice:   a.ReservePrice,
		CurrentHighBid: a.CurrentHighBid,
		AuctionEnd:     a.AuctionEnd.UTC(),
		CreatedAt:      a.CreatedAt.UTC(),
		UpdatedAt:      a.UpdatedAt.UTC(),
		Version:        a.Version,
	}
}

type itemResponse struct {
	ID             string    `json:"id"`
	Make           string    `json:"make"`
	Model          string    `json:"model"`
	Color          string    `json:"color"`
	Mileage        int       `json:"mileage"`
	Year           int       `json:"year"`
	ImageURL       string    `json:"imageUrl"`
	Seller         string    `json:"seller"`
	Winner         string    `json:"winner,omitempty"`
	ReservePrice   int64     `json:"reservePrice"`
	CurrentHighBid *int64    `json:"currentHighBid"`
	AuctionEnd     time.Time `json:"auctionEnd"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type searchResponse struct {
	Results    []itemResponse `json:"results"`
	PageCount  int            `json:"pageCount"`
	TotalCount int64          `json:"totalCount"`
}

func newSearchResponse(result search.SearchResult) searchResponse {
	return searchResponse{
		Results: lo.Map(result.Results, func(item models.ProjectionItem, _ int) itemResponse {
			return itemResponse{
				ID:             item.ID,
				Make:           item.Make,
				Model:          item.Model,
				Color:          item.Color,
				Mileage:        item.Mileage,
				Year:           item.Year,
				ImageURL:       item.ImageURL,
				Seller:         item.Seller,
				Winner:         item.Winner,
				ReservePrice:   item.ReservePrice,
				CurrentHighBid: item.CurrentHighBid,
				AuctionEnd:     item.AuctionEnd.UTC(),
				CreatedAt:      item.CreatedAt.UTC(),
				UpdatedAt:      item.UpdatedAt.UTC(),
			}
		}),
		PageCount:  result.PageCount,
		TotalCount: result.TotalCount,
	}
}

// Register 依照這個行程扮演的角色註冊路由
func (impl *ServerImpl) Register(router gin.IRouter) {
	group := router.Group("/api")
	if impl.auctions != nil {
		group.GET("/auctions", impl.listAuctions)
		group.GET("/auctions/:id", impl.getAuction)

		authorized := group.Group("/auctions", requireUser())
		authorized.POST("", impl.createAuction)
		authorized.PUT("/:id", impl.updateAuction)
		authorized.DELETE("/:id", impl.deleteAuction)
	}
	if impl.query != nil {
		group.GET("/search", impl.search)
	}
	if impl.hub != nil {
		group.GET("/notifications", impl.streamNotifications)
	}
}

// requireUser 從 X-User 取得呼叫者，驗證由前面的閘道負責
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(headerUser))
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "missing user"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// List auctions, updated after date when given
// (GET /api/auctions)
func (impl *ServerImpl) listAuctions(c *gin.Context) {
	var since *time.Time
	if date := c.Query("date"); date != "" {
		t, err := time.Parse(time.RFC3339, date)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Message: "date must be RFC3339"})
			return
		}
		since = &t
	}
	auctions, err := impl.auctions.ListAuctions(c.Request.Context(), since)
	if err != nil {
		impl.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lo.Map(auctions, func(a models.Auction, _ int) auctionResponse {
		return newAuctionResponse(a)
	}))
}

// (GET /api/auctions/:id)
func (impl *ServerImpl) getAuction(c *gin.Context) {
	a, err := impl.auctions.GetAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		impl.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAuctionResponse(a))
}

// (POST /api/auctions)
func (impl *ServerImpl) createAuction(c *gin.Context) {
	var input auction.CreateAuctionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}
	a, err := impl.auctions.CreateAuction(c.Request.Context(), c.GetString(userKey), input)
	if err != nil {
		impl.writeError(c, err)
		return
	}
	c.Header("Location", "/api/auctions/"+a.ID)
	c.JSON(http.StatusCreated, newAuctionResponse(a))
}

// (PUT /api/auctions/:id)
func (impl *ServerImpl) updateAuction(c *gin.Context) {
	var input auction.UpdateAuctionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}
	a, err := impl.auctions.UpdateAuction(c.Request.Context(), c.GetString(userKey), c.Param("id"), input)
	if err != nil {
		impl.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAuctionResponse(a))
}

// (DELETE /api/auctions/:id)
func (impl *ServerImpl) deleteAuction(c *gin.Context) {
	if err := impl.auctions.DeleteAuction(c.Request.Context(), c.GetString(userKey), c.Param("id")); err != nil {
		impl.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Search the projection
// (GET /api/search)
func (impl *ServerImpl) search(c *gin.Context) {
	var params search.SearchParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}
	result, err := impl.query.Search(c.Request.Context(), params)
	if err != nil {
		impl.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSearchResponse(result))
}

// Stream live updates of one auction, or all auctions when auctionId is empty
// (GET /api/notifications)
func (impl *ServerImpl) streamNotifications(c *gin.Context) {
	channel := notification.AllChannel
	if id := c.Query("auctionId"); id != "" {
		channel = id
	}
	ch, err := impl.hub.Subscribe(channel)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Message: "notifications are unavailable"})
		return
	}
	defer impl.hub.Unsubscribe(channel, ch)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	w.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case update, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(update.Kind), update)
			return true
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": heartbeat\n\n")
			return true
		}
	})
}

func (impl *ServerImpl) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auction.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	case errors.Is(err, auction.ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse{Message: "auction belongs to another seller"})
	case errors.Is(err, auction.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Message: "auction not found"})
	case errors.Is(err, auction.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, errorResponse{Message: "auction was modified concurrently, retry with the latest version"})
	default:
		impl.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "internal error"})
	}
}
