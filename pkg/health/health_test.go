package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func probe(t *testing.T, handler http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestChecker_StateMachine(t *testing.T) {
	c := NewChecker(nil)

	assert.Equal(t, "starting", c.State())
	assert.False(t, c.IsReady())

	c.SetReady()
	assert.Equal(t, "ready", c.State())
	assert.True(t, c.IsReady())

	c.SetDraining()
	assert.Equal(t, "draining", c.State())
	assert.False(t, c.IsReady())
}

func TestLivenessHandler_AlwaysOK(t *testing.T) {
	c := NewChecker(nil)

	rec := probe(t, c.LivenessHandler())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	c.SetDraining()
	rec = probe(t, c.LivenessHandler())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessHandler_FollowsState(t *testing.T) {
	c := NewChecker(nil)

	rec := probe(t, c.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"starting"}`, rec.Body.String())

	c.SetReady()
	rec = probe(t, c.ReadinessHandler())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	c.SetDraining()
	rec = probe(t, c.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessHandler_PingFailureUnready(t *testing.T) {
	down := errors.New("connection refused")
	c := NewChecker(func(context.Context) error { return down })
	c.SetReady()

	rec := probe(t, c.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unready","reason":"store unavailable"}`, rec.Body.String())
}

func TestReadinessHandler_PingSuccess(t *testing.T) {
	c := NewChecker(func(context.Context) error { return nil })
	c.SetReady()

	rec := probe(t, c.ReadinessHandler())
	assert.Equal(t, http.StatusOK, rec.Code)
}
