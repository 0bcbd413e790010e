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

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), c)
	assert.Equal(t, "0.0.0.0:3000", c.Address())
}

func TestLoad_FileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "certgate.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
port: 8443
max_concurrent: 5
exec_timeout: 45s
dir: /var/lib/certgate
`), 0o644))
	t.Setenv("CERTGATE_MAX_CONCURRENT", "7")
	t.Setenv("CERTGATE_QUEUE_TIMEOUT", "2m")

	c, err := Load(viper.New(), file)
	require.NoError(t, err)
	assert.Equal(t, 8443, c.Port)
	assert.Equal(t, 7, c.MaxConcurrent)
	assert.Equal(t, 45*time.Second, c.ExecTimeout)
	assert.Equal(t, 2*time.Minute, c.QueueTimeout)
	assert.Equal(t, "/var/lib/certgate", c.Dir)
	assert.Equal(t, 10, c.RateLimit)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Defaults()
	c.MaxConcurrent = 0
	c.GraceDelay = -time.Second
	c.Script = ""
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent must be positive")
	assert.Contains(t, err.Error(), "grace_delay must be a positive duration")
	assert.Contains(t, err.Error(), "script must not be empty")

	assert.NoError(t, Defaults().Validate())
}
