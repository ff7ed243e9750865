package apperrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{InvalidInput("bad"), http.StatusBadRequest},
		{InvalidQueue("nope"), http.StatusBadRequest},
		{InvalidStatus("nope"), http.StatusBadRequest},
		{Unauthorised("no"), http.StatusUnauthorized},
		{NotFound("x"), http.StatusNotFound},
		{HandlerNotFound("x"), http.StatusNotFound},
		{Conflict("x"), http.StatusConflict},
		{BrokerUnavailable(errors.New("down")), http.StatusServiceUnavailable},
		{HandlerFailed(errors.New("boom")), http.StatusInternalServerError},
		{WebhookDeliveryFailed(errors.New("boom")), http.StatusInternalServerError},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, c.err.HTTPStatus(), c.err.Code)
	}
}

func TestIs(t *testing.T) {
	err := NotFound("job %s not found", "123")
	assert.True(t, Is(err, CodeNotFound))
	assert.False(t, Is(err, CodeConflict))
	assert.False(t, Is(errors.New("plain"), CodeNotFound))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	wrapped := BrokerUnavailable(inner)
	assert.ErrorIs(t, wrapped, inner)
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestNotFoundWithoutWrappedErrHasNoUnwrap(t *testing.T) {
	err := NotFound("flow %s not found", "f1")
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, "NotFound: flow f1 not found", err.Error())
}
