package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"memoryd/internal/domain"
)

func TestTiersFromTrimsAndDropsEmpty(t *testing.T) {
	got := tiersFrom([]string{" working ", "", "books"})
	assert.Equal(t, []domain.Tier{domain.TierWorking, domain.TierBooks}, got)
}

func TestTiersFromEmptyInputIsNil(t *testing.T) {
	assert.Nil(t, tiersFrom(nil))
}

func TestLatestUserQueryPicksLastUserMessage(t *testing.T) {
	messages := []exchangeMessage{
		{Role: "system", Content: "you are a helpful assistant"},
		{Role: "user", Content: "what's the weather"},
		{Role: "assistant", Content: "sunny"},
		{Role: "user", Content: "and tomorrow"},
	}
	query, recent := latestUserQuery(messages)
	assert.Equal(t, "and tomorrow", query)
	assert.Len(t, recent, len(messages))
}

func TestUserIDFromRequestPrefersHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/memory/stats?userId=from-query", nil)
	r.Header.Set("X-User-Id", "from-header")
	assert.Equal(t, "from-header", userIDFromRequest(r))
}

func TestUserIDFromRequestFallsBackToQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/memory/stats?userId=from-query", nil)
	assert.Equal(t, "from-query", userIDFromRequest(r))
}

func TestValidateQueryLengthRejectsShortQueries(t *testing.T) {
	assert.Error(t, validateQueryLength(""))
	assert.Error(t, validateQueryLength("a"))
	assert.Error(t, validateQueryLength(" a "))
}

func TestValidateQueryLengthAcceptsTwoOrMoreChars(t *testing.T) {
	assert.NoError(t, validateQueryLength("ok"))
	assert.NoError(t, validateQueryLength("a longer query"))
}
