package api

import (
	"context"
	"net/http"
	"testing"

	"carsties/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceSource_SeedsProjection(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rec := s.do(t, http.MethodPost, "/api/auctions", "bob", createBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	seeder := search.NewSeeder(s.store, newServiceSource(s.impl.auctions), nil)
	applied, err := seeder.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	// 再次補齊只取最後更新時間之後的變更
	applied, err = seeder.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	result, err := s.impl.query.Search(ctx, search.SearchParams{SearchTerm: "ford"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.TotalCount)
}
