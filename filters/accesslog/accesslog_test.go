package accesslog_test

import (
	"net/http"
	"testing"

	"github.com/getyourguide/extproc-username/extproctest"
	"github.com/getyourguide/extproc-username/filters/accesslog"
	"github.com/getyourguide/extproc-username/filters/username"
	"github.com/getyourguide/extproc-username/service"
	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLog(t *testing.T) {
	for _, tt := range []struct {
		name         string
		headers      http.Header
		wantUserName any
	}{{
		name: "with user name",
		headers: http.Header{
			":method":      {"GET"},
			":path":        {"/activities?page=2"},
			":authority":   {"www.example.com"},
			"x-request-id": {"3a4e1c0e-7f1b-4d5e-9c1d-2b9a3a6f8e10"},
			"user-name":    {"QWxpY2U="},
		},
		wantUserName: "Alice",
	}, {
		name: "without user name",
		headers: http.Header{
			":method":      {"GET"},
			":path":        {"/activities?page=2"},
			":authority":   {"www.example.com"},
			"x-request-id": {"3a4e1c0e-7f1b-4d5e-9c1d-2b9a3a6f8e10"},
			"user-name":    {"not-base64!!"},
		},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			h := extproctest.NewHarness(t, service.WithRoots(
				username.NewRoot(),
				accesslog.NewRoot(zapr.NewLogger(zap.New(core)), accesslog.ParseProperties([]string{"user_name=user-name"})),
			))

			stream := h.Open(t)
			stream.RequestHeaders(tt.headers, true)
			stream.ResponseHeaders(http.Header{":status": {"201"}}, true)
			require.Empty(t, logs.All(), "the access log is written when the stream ends")
			stream.Close()

			entries := logs.FilterMessage("access").All()
			require.Len(t, entries, 1)
			fields := entries[0].ContextMap()
			require.Equal(t, "3a4e1c0e-7f1b-4d5e-9c1d-2b9a3a6f8e10", fields["request_id"])
			require.Equal(t, "GET", fields["method"])
			require.Equal(t, "www.example.com", fields["authority"])
			require.Equal(t, "/activities", fields["path"])
			require.EqualValues(t, 201, fields["status"])
			require.Equal(t, tt.wantUserName, fields["user_name"])
		})
	}
}

func TestParseProperties(t *testing.T) {
	got := accesslog.ParseProperties([]string{
		"user_name=user-name",
		"tenant=auth.tenant",
		"broken",
		"=user-name",
		"empty=",
	})
	require.Equal(t, map[string][]string{
		"user_name": {"user-name"},
		"tenant":    {"auth", "tenant"},
	}, got)
}
