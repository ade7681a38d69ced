package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	root, a := newRootCommand()
	defer a.close()

	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootRegistersSubcommands(t *testing.T) {
	root, _ := newRootCommand()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"sync-metadata", "mirror", "extract-simulator", "migrate-storage", "query-metadata"} {
		require.True(t, names[want], want)
	}
}

func TestQueryAgainstEmptyStore(t *testing.T) {
	out, err := execute(t, "query-metadata", "--store", "mem://")
	require.NoError(t, err)
	require.Contains(t, out, "Catalog: 0 artifacts")
}

func TestUnknownLogLevelRejected(t *testing.T) {
	_, err := execute(t, "query-metadata", "--store", "mem://", "--log-level", "loud")
	require.ErrorContains(t, err, "unknown log level")
}

func TestSyncRequiresOrigin(t *testing.T) {
	_, err := execute(t, "sync-metadata", "--store", "mem://")
	require.ErrorContains(t, err, "origin URL is required")
}

func TestCommandsRequireStore(t *testing.T) {
	_, err := execute(t, "query-metadata")
	require.ErrorContains(t, err, "store URI must be provided")
}
