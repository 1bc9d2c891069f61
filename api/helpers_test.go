package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"carsties/auction"
	"carsties/search"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := openDatabase(DBConfig{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), name)})
	require.NoError(t, err)
	t.Cleanup(func() { closeDatabase(db) })
	return db
}

type testServer struct {
	impl   *ServerImpl
	router *gin.Engine
	store  *search.Store
}

// newTestServer 建立只有 HTTP 層的 server，不連線 redis 與匯流排
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	repo := auction.NewRepository(newTestDB(t, "auction.db"))
	require.NoError(t, repo.Migrate(ctx))

	searchDB := newTestDB(t, "search.db")
	store := search.NewStore(searchDB)
	require.NoError(t, store.Migrate(ctx))

	impl := &ServerImpl{
		auctions: auction.NewService(repo, nil),
		query:    search.NewQueryEngine(searchDB),
		logger:   slog.Default(),
	}
	router := gin.New()
	impl.Register(router)
	return &testServer{impl: impl, router: router, store: store}
}

func serve(t *testing.T, router http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(headerUser, user)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, s.router, method, path, user, body)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
