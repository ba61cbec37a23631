package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"efgs-sync/internal/federation/gateway/gatewaytest"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"efgs-sync"}, args...))
	return out.String(), err
}

func withHub(t *testing.T) *gatewaytest.Hub {
	t.Helper()
	hub := gatewaytest.NewHub()
	srv := hub.Serve(t)
	t.Setenv("GATEWAY_URL", srv.URL)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("SYNC_REGION", "FI")
	return hub
}

func TestCallbackCommands(t *testing.T) {
	hub := withHub(t)
	t.Setenv("SYNC_CALLBACK_URL", "https://backend.example/efgs/callback")

	_, err := runApp(t, "callback", "register")
	require.NoError(t, err)
	_, err = runApp(t, "callback", "register", "--id", "other", "--url", "https://other.example/cb")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"efgs-sync": "https://backend.example/efgs/callback",
		"other":     "https://other.example/cb",
	}, hub.Callbacks())

	out, err := runApp(t, "callback", "list")
	require.NoError(t, err)
	assert.Equal(t, "efgs-sync\thttps://backend.example/efgs/callback\nother\thttps://other.example/cb\n", out)

	_, err = runApp(t, "callback", "delete", "--id", "other")
	require.NoError(t, err)
	assert.NotContains(t, hub.Callbacks(), "other")

	_, err = runApp(t, "callback", "delete", "--id", "missing")
	assert.Error(t, err)
}

func TestExportWithNothingPending(t *testing.T) {
	hub := withHub(t)

	_, err := runApp(t, "export")
	require.NoError(t, err)
	assert.Empty(t, hub.Uploads())
}

func TestImportDate(t *testing.T) {
	withHub(t)

	_, err := runApp(t, "import", "--date", "2020-06-01")
	require.NoError(t, err)

	_, err = runApp(t, "import", "--date", "01.06.2020")
	assert.ErrorContains(t, err, "invalid --date")
}

func TestInvalidConfig(t *testing.T) {
	withHub(t)
	t.Setenv("SYNC_REGION", "FIN")

	_, err := runApp(t, "export")
	assert.ErrorContains(t, err, "SYNC_REGION")
}
