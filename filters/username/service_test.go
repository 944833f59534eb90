package username_test

import (
	"net/http"
	"testing"

	"github.com/getyourguide/extproc-username/extproctest"
	"github.com/getyourguide/extproc-username/filters/username"
	"github.com/getyourguide/extproc-username/service"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	h := extproctest.NewHarness(t, service.WithRoots(username.NewRoot()))
	templateData := struct {
		UTF8Name string
	}{
		UTF8Name: "Zoë Saldaña",
	}
	testcases := extproctest.Load(t, "testdata/scenarios.yml", templateData)
	require.Len(t, testcases, 7)
	testcases.Run(t, h, service.DefaultMetadataNamespace)
}

func TestPropertyIsEmittedOnce(t *testing.T) {
	const namespace = "username.test"
	h := extproctest.NewHarness(t,
		service.WithRoots(username.NewRoot()),
		service.WithMetadataNamespace(namespace),
	)

	stream := h.Open(t)
	resp := stream.RequestHeaders(http.Header{username.HeaderName: []string{"QWxpY2U="}}, false)
	value, ok := extproctest.Property(resp, namespace, username.PropertyPath...)
	require.True(t, ok)
	require.Equal(t, "Alice", value)

	resp = stream.ResponseHeaders(http.Header{":status": []string{"200"}}, true)
	require.NotNil(t, resp.GetResponseHeaders())
	require.Nil(t, resp.GetDynamicMetadata(), "the property is only written with the request headers")
	stream.Close()
}
