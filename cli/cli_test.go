package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapub.evalgo.org/config"
)

func writeConfig(t *testing.T, manifestBody string) string {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.csv")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifestBody), 0o600))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath,
		[]byte("manifest:\n  path: "+manifestPath+"\n"), 0o600))
	return cfgPath
}

const emptyManifest = `id,d,r,b,m,property,type,ref,source,prepare,level,access,uri,title,description
,,,,country,,,code,,,,open,,,
,,,,,code,string,,,,,open,,,
`

func TestWaitWithNoBackendsConfigured(t *testing.T) {
	cfgPath := writeConfig(t, emptyManifest)
	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)

	err = waitForBackends(context.Background(), cfg, time.Second, 10*time.Millisecond)
	assert.NoError(t, err)
}

func TestWaitTimesOutOnUnreachableBackend(t *testing.T) {
	cfgPath := writeConfig(t, emptyManifest)
	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)
	cfg.Backend.DefaultDSN = "postgres://127.0.0.1:1/nope?connect_timeout=1"

	err = waitForBackends(context.Background(), cfg, 100*time.Millisecond, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestBuildPushClientRequiresTarget(t *testing.T) {
	cmd := pushCmd
	require.NoError(t, cmd.Flags().Set("output", ""))
	require.NoError(t, cmd.Flags().Set("credentials", ""))
	_, err := buildPushClient(context.Background(), cmd)
	assert.Error(t, err)

	require.NoError(t, cmd.Flags().Set("output", "http://localhost:8080"))
	client, err := buildPushClient(context.Background(), cmd)
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestBuildPushClientUnknownClient(t *testing.T) {
	dir := t.TempDir()
	credsPath := filepath.Join(dir, "creds.yml")
	require.NoError(t, os.WriteFile(credsPath, []byte(
		"pusher:\n  secret: s\n  server: http://localhost:8080\n"), 0o600))

	cmd := pushCmd
	require.NoError(t, cmd.Flags().Set("credentials", credsPath))
	require.NoError(t, cmd.Flags().Set("client", "ghost"))
	_, err := buildPushClient(context.Background(), cmd)
	assert.Error(t, err)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range RootCmd.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["wait"])
	assert.True(t, names["push"])
	assert.True(t, names["version"])
}
