package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Live.WaitTime)
	assert.Equal(t, "", cfg.Live.RecordLimit)
	assert.Equal(t, 1000, cfg.Live.WindowCap)
	assert.Equal(t, 500, cfg.Live.WindowEvict)
	assert.Equal(t, "mp4decrypt", cfg.Decrypt.Engine)
	assert.Equal(t, "passthrough", cfg.Decrypt.FailurePolicy)
	assert.Equal(t, 3, cfg.HTTP.RetryAttempts)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Empty(t, cfg.Admin.Addr)
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("LIVEPIPE_LIVE_WAIT_TIME", "5s")
	t.Setenv("LIVEPIPE_LIVE_RECORD_LIMIT", "00:10:00")
	t.Setenv("LIVEPIPE_ADMIN_ADDR", "127.0.0.1:9090")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Live.WaitTime)
	assert.Equal(t, "00:10:00", cfg.Live.RecordLimit)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Addr)
}

func TestLoad_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livepipe.yaml")
	content := `
input:
  url: https://example.com/live/index.m3u8
  headers:
    - "Referer: https://example.com/"
live:
  wait_time: 3s
  record_limit: 1h
decrypt:
  engine: shaka-packager
  keys:
    - "0123456789abcdef0123456789abcdef:00112233445566778899aabbccddeeff"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/live/index.m3u8", cfg.Input.URL)
	assert.Equal(t, []string{"Referer: https://example.com/"}, cfg.Input.Headers)
	assert.Equal(t, 3*time.Second, cfg.Live.WaitTime)
	assert.Equal(t, "shaka-packager", cfg.Decrypt.Engine)
	assert.Len(t, cfg.Decrypt.Keys, 1)
}

func TestLoad_missingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Live:    LiveConfig{WaitTime: time.Second},
			Decrypt: DecryptConfig{Engine: "mp4decrypt"},
		}
	}

	cfg := base()
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Live.WaitTime = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Decrypt.Engine = "openssl"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Decrypt.Keys = []string{"nocolon"}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Input.Headers = []string{"no separator"}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Live.RecordLimit = "soon"
	assert.Error(t, cfg.Validate())
}

func TestParseRecordLimit(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"", 0, false},
		{"90m", 90 * time.Minute, false},
		{"01:30:00", 90 * time.Minute, false},
		{"05:00", 5 * time.Minute, false},
		{"45", 0, true},
		{"-1m", 0, true},
		{"1:2:3:4", 0, true},
		{"aa:bb", 0, true},
	}
	for _, c := range cases {
		got, err := ParseRecordLimit(c.in)
		if c.err {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseHeaders(t *testing.T) {
	h, err := ParseHeaders([]string{"Referer: https://a/", "Cookie: k=v; x=y", "X-Empty:"})
	require.NoError(t, err)
	assert.Equal(t, "https://a/", h.Get("Referer"))
	assert.Equal(t, "k=v; x=y", h.Get("Cookie"))
	assert.Equal(t, "", h.Get("X-Empty"))

	_, err = ParseHeaders([]string{": value"})
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LIVEPIPE_TEST_DOTENV=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("LIVEPIPE_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("LIVEPIPE_TEST_DOTENV"))

	assert.Error(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
