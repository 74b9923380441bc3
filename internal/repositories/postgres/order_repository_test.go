package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/repositories"
)

func TestBuildOrderListQueryWithoutFilters(t *testing.T) {
	query := buildOrderListQuery(repositories.OrderListFilter{})

	assert.Equal(t, "SELECT count(*) FROM orders", query.countSQL())
	assert.Empty(t, query.args)
	assert.Equal(t, 1, query.page)
	assert.Equal(t, defaultOrderPageSize, query.pageSize)

	sql, args := query.selectSQL()
	assert.Contains(t, sql, "ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2")
	assert.NotContains(t, sql, "WHERE")
	assert.Equal(t, []any{defaultOrderPageSize, 0}, args)
}

func TestBuildOrderListQueryComposesFilters(t *testing.T) {
	status := domain.OrderStatusProcessing
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)

	query := buildOrderListQuery(repositories.OrderListFilter{
		UserID:     "user-1",
		Status:     &status,
		DateRange:  domain.RangeQuery[time.Time]{From: &from, To: &to},
		SearchTerm: "  poster  ",
		Page:       3,
		PageSize:   10,
	})

	require.Len(t, query.args, 5)
	assert.Equal(t, "user-1", query.args[0])
	assert.Equal(t, "processing", query.args[1])
	assert.Equal(t, from, query.args[2])
	assert.Equal(t, to, query.args[3])
	assert.Equal(t, "%poster%", query.args[4])

	where := query.whereSQL()
	assert.Equal(t,
		` WHERE user_id = $1 AND status = $2 AND created_at >= $3 AND created_at <= $4 AND (file_name ILIKE $5 ESCAPE '\' OR owner_email ILIKE $5 ESCAPE '\')`,
		where)

	sql, args := query.selectSQL()
	assert.True(t, strings.HasSuffix(sql, "LIMIT $6 OFFSET $7"), sql)
	assert.Equal(t, 10, args[5])
	assert.Equal(t, 20, args[6])
	assert.Len(t, query.args, 5, "selectSQL must not mutate the shared args")
}

func TestBuildOrderListQueryClampsPaging(t *testing.T) {
	query := buildOrderListQuery(repositories.OrderListFilter{Page: -2, PageSize: 1000})
	assert.Equal(t, 1, query.page)
	assert.Equal(t, maxOrderPageSize, query.pageSize)
	assert.Equal(t, 0, query.offset())
}

func TestEscapeLikeNeutralisesWildcards(t *testing.T) {
	assert.Equal(t, `100\%\_off\\`, escapeLike(`100%_off\`))

	query := buildOrderListQuery(repositories.OrderListFilter{SearchTerm: "a_b%"})
	require.Len(t, query.args, 1)
	assert.Equal(t, `%a\_b\%%`, query.args[0])
}

func TestDateOnlyTruncatesToUTCDate(t *testing.T) {
	assert.Nil(t, dateOnly(nil))

	in := time.Date(2024, 5, 6, 17, 45, 0, 0, time.FixedZone("KST", 9*60*60))
	out := dateOnly(&in)
	require.NotNil(t, out)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), *out)
}

func TestNullableString(t *testing.T) {
	assert.Nil(t, nullableString("  "))
	got := nullableString("upl_1")
	require.NotNil(t, got)
	assert.Equal(t, "upl_1", *got)
}
