package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindInvalidTransition, http.StatusUnprocessableEntity},
		{KindLimitExceeded, http.StatusForbidden},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindValidation, http.StatusBadRequest},
		{KindPersistence, http.StatusServiceUnavailable},
		{KindUnknown, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(E(tt.kind, "boom")))
		})
	}
}

func TestHTTPStatusUntyped(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("plain")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := E(KindLimitExceeded, "usage limit reached for module %s", "analytics")
	outer := fmt.Errorf("check failed: %w", inner)

	assert.True(t, IsKind(outer, KindLimitExceeded))
	assert.False(t, IsKind(outer, KindNotFound))
	assert.Equal(t, KindLimitExceeded, KindOf(outer))
	assert.True(t, stderrors.Is(outer, ErrLimitExceeded))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(KindPersistence, cause, "writing license")

	assert.Equal(t, KindPersistence, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), CodePersistence)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestToAPI(t *testing.T) {
	api := ToAPI(E(KindConflict, "client c1 already holds an active license"))
	require.NotNil(t, api)
	assert.Equal(t, http.StatusConflict, api.StatusCode)
	assert.Equal(t, CodeConflict, api.ErrorCode)
	assert.Equal(t, "client c1 already holds an active license", api.Message)
}

func TestToAPIUntypedIsOpaque(t *testing.T) {
	api := ToAPI(stderrors.New("pq: relation does not exist"))
	assert.Equal(t, http.StatusInternalServerError, api.StatusCode)
	assert.Equal(t, CodeInternal, api.ErrorCode)
	assert.NotContains(t, api.Message, "pq:")
}

func TestValidationAPI(t *testing.T) {
	api := ValidationAPI([]ValidationField{{Field: "ClientID", Message: "required"}})
	assert.Equal(t, http.StatusBadRequest, api.StatusCode)
	assert.Equal(t, CodeValidation, api.ErrorCode)
	assert.NotNil(t, api.Details)
}

func TestCodeForEachKind(t *testing.T) {
	tests := []struct {
		kind Kind
		code string
	}{
		{KindNotFound, CodeNotFound},
		{KindConflict, CodeConflict},
		{KindInvalidTransition, CodeInvalidTransition},
		{KindLimitExceeded, CodeLimitExceeded},
		{KindRateLimited, CodeRateLimited},
		{KindValidation, CodeValidation},
		{KindPersistence, CodePersistence},
		{KindUnknown, CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, E(tt.kind, "x").Code)
	}
}
