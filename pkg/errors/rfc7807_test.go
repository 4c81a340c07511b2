package errors_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/cashspend/pkg/errors"
)

var errLimit = errors.Define(errors.ClassEconomic, "ExceededDailySpendingLimit")

func TestKindsCompareByName(t *testing.T) {
	explained := errLimit.Explain("spent %d of %d", 120, 100)
	assert.ErrorIs(t, explained, errLimit)
	assert.Equal(t, "ExceededDailySpendingLimit: spent 120 of 100", explained.Error())
	assert.Empty(t, errLimit.Message, "Explain copies")

	wrapped := fmt.Errorf("spend: %w", explained)
	assert.ErrorIs(t, wrapped, errLimit)
	assert.Equal(t, "ExceededDailySpendingLimit", errors.KindOf(wrapped))
	assert.Equal(t, errors.ClassEconomic, errors.ClassOf(wrapped))

	assert.Empty(t, errors.KindOf(fmt.Errorf("plain")))
	assert.Equal(t, errors.ClassInternal, errors.ClassOf(fmt.Errorf("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("unique constraint")
	err := errors.Conflict.Explain("duplication of key").Wrap(cause)
	assert.ErrorIs(t, err, errors.Conflict)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "(unique constraint)")
}

func TestClassHTTPStatus(t *testing.T) {
	cases := map[errors.Class]int{
		errors.ClassValidation:    http.StatusBadRequest,
		errors.ClassAuthorization: http.StatusForbidden,
		errors.ClassState:         http.StatusConflict,
		errors.ClassEconomic:      http.StatusUnprocessableEntity,
		errors.ClassConfiguration: http.StatusFailedDependency,
		errors.ClassInternal:      http.StatusInternalServerError,
	}
	for class, status := range cases {
		assert.Equal(t, status, class.HTTPStatus(), class)
	}
}

func TestProblem(t *testing.T) {
	invalid := errors.Define(errors.ClassValidation, "InvalidInput").
		Explain("request validation failed").
		WithField("required", "Account", "missing")

	p := errors.Problem(invalid, "/v1/spend")
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, "InvalidInput", p.Title)
	assert.Equal(t, "https://api.cashspend.io/problems/InvalidInput", p.Type)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "Account", p.Errors[0].Field)

	data, err := json.Marshal(p.WithTraceID("abc"))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "InvalidInput", doc["kind"])
	assert.Equal(t, "validation", doc["class"])
	assert.Equal(t, "/v1/spend", doc["instance"])
	assert.Equal(t, "abc", doc["trace_id"])
	assert.EqualValues(t, 400, doc["status"])
}

func TestProblemHidesInternalKinds(t *testing.T) {
	p := errors.Problem(fmt.Errorf("db down"), "/v1/spend")
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.Equal(t, "Internal Server Error", p.Title)
	assert.Nil(t, p.Extra)
}
