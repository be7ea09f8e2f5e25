package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.yaml")
}

// readServers loads the file back the same way the daemon does, through
// viper, so duration strings and snake_case keys decode properly.
func readServers(t *testing.T, path string) []ServerConfig {
	t.Helper()
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg.Servers
}

func TestSaveServers_CreatesNewFile(t *testing.T) {
	path := tempConfigPath(t)

	servers := []ServerConfig{
		{URL: "http://gpu-1:8188"},
		{URL: "https://gpu-2:8443", BearerToken: "tok"},
	}
	require.NoError(t, SaveServers(path, servers))

	got := readServers(t, path)
	require.Len(t, got, 2)
	require.Equal(t, "http://gpu-1:8188", got[0].URL)
	require.Equal(t, "tok", got[1].BearerToken)
}

func TestSaveServers_PreservesOtherSectionsAndComments(t *testing.T) {
	path := tempConfigPath(t)
	original := `# fleet config
servers: []

# manager tuning, do not touch
manager:
  failover_threshold: 7

log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o600))

	require.NoError(t, SaveServers(path, []ServerConfig{{URL: "http://gpu-1:8188"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	require.Contains(t, text, "# manager tuning, do not touch")
	require.Contains(t, text, "failover_threshold: 7")
	require.Contains(t, text, "log_level: debug")
	require.Contains(t, text, "http://gpu-1:8188")
}

func TestSaveServers_AppendsSectionWhenMissing(t *testing.T) {
	path := tempConfigPath(t)
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))

	require.NoError(t, SaveServers(path, []ServerConfig{{URL: "http://gpu-1:8188"}}))

	got := readServers(t, path)
	require.Len(t, got, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "log_level: warn")
}

func TestSaveServers_OmitsZeroValuedFields(t *testing.T) {
	path := tempConfigPath(t)
	require.NoError(t, SaveServers(path, []ServerConfig{{URL: "http://gpu-1:8188"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	require.NotContains(t, text, "username")
	require.NotContains(t, text, "bearer_token")
	require.NotContains(t, text, "reconnect")
	require.NotContains(t, text, "ws_timeout")
}

func TestSaveServers_RoundTripsReconnectAndTimeout(t *testing.T) {
	path := tempConfigPath(t)
	in := []ServerConfig{{
		URL:       "http://gpu-1:8188",
		WSTimeout: 45 * time.Second,
		Reconnect: ReconnectConfig{
			MaxAttempts:   5,
			BaseDelay:     2 * time.Second,
			Strategy:      "linear",
			JitterPercent: 10,
		},
	}}
	require.NoError(t, SaveServers(path, in))

	got := readServers(t, path)
	require.Len(t, got, 1)
	require.Equal(t, 45*time.Second, got[0].WSTimeout)
	require.Equal(t, 5, got[0].Reconnect.MaxAttempts)
	require.Equal(t, 2*time.Second, got[0].Reconnect.BaseDelay)
	require.Equal(t, "linear", got[0].Reconnect.Strategy)
}

func TestAddServer(t *testing.T) {
	path := tempConfigPath(t)
	existing := []ServerConfig{{URL: "http://gpu-1:8188"}}

	require.NoError(t, AddServer(path, ServerConfig{URL: "http://gpu-2:8188"}, existing))
	require.Len(t, readServers(t, path), 2)

	err := AddServer(path, ServerConfig{URL: "http://gpu-1:8188"}, existing)
	require.ErrorContains(t, err, "already configured")
}

func TestRemoveServer(t *testing.T) {
	path := tempConfigPath(t)
	existing := []ServerConfig{
		{URL: "http://gpu-1:8188"},
		{URL: "http://gpu-2:8188"},
	}

	require.NoError(t, RemoveServer(path, "http://gpu-1:8188", existing))
	got := readServers(t, path)
	require.Len(t, got, 1)
	require.Equal(t, "http://gpu-2:8188", got[0].URL)

	err := RemoveServer(path, "http://gpu-9:8188", existing)
	require.ErrorContains(t, err, "not found")
}
