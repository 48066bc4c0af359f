package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)

	storeUp := func(context.Context) error { return nil }
	storeDown := func(context.Context) error { return errors.New("connection refused") }
	redisUp := func(context.Context) bool { return true }
	redisDown := func(context.Context) bool { return false }

	cases := []struct {
		name            string
		ping            func(context.Context) error
		redis           func(context.Context) bool
		wantCode        int
		wantRedisHealth bool
	}{
		{"all healthy", storeUp, redisUp, http.StatusOK, true},
		{"redis down store up", storeUp, redisDown, http.StatusOK, false},
		{"store down", storeDown, redisUp, http.StatusServiceUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/healthz", healthz("postgres", tc.ping, tc.redis))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tc.wantCode)
			}
			var body struct {
				Store struct {
					Healthy bool `json:"healthy"`
				} `json:"store"`
				Redis struct {
					Healthy bool `json:"healthy"`
				} `json:"redis"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Redis.Healthy != tc.wantRedisHealth {
				t.Errorf("redis healthy = %v, want %v", body.Redis.Healthy, tc.wantRedisHealth)
			}
			if body.Store.Healthy != (tc.wantCode == http.StatusOK) {
				t.Errorf("store healthy = %v, disagrees with status %d", body.Store.Healthy, w.Code)
			}
		})
	}
}
