package env

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type basicConfig struct {
	Name     string        `env:"TEST_NAME" default:"fallback"`
	Count    int           `env:"TEST_COUNT" default:"7"`
	Rate     float64       `env:"TEST_RATE" default:"0.5"`
	Enabled  bool          `env:"TEST_ENABLED" default:"true"`
	Interval time.Duration `env:"TEST_INTERVAL" default:"30s"`
	Types    []string      `env:"TEST_TYPES" default:"commits,mrs"`
	NoTag    string
}

func TestLoad_Defaults(t *testing.T) {
	cfg := &basicConfig{}
	require.NoError(t, Load(cfg))

	assert.Equal(t, "fallback", cfg.Name)
	assert.Equal(t, 7, cfg.Count)
	assert.Equal(t, 0.5, cfg.Rate)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, []string{"commits", "mrs"}, cfg.Types)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("TEST_NAME", "from-env")
	t.Setenv("TEST_RATE", "0.25")
	t.Setenv("TEST_TYPES", "svn, reviews ,")

	cfg := &basicConfig{}
	require.NoError(t, Load(cfg))

	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 0.25, cfg.Rate)
	assert.Equal(t, []string{"svn", "reviews"}, cfg.Types)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("TEST_COUNT", "not-a-number")

	err := Load(&basicConfig{})
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "TEST_COUNT", invalid.EnvVar)
}

func TestLoad_NotStructPointer(t *testing.T) {
	var n int
	err := Load(&n)
	var wrongType ErrNotStructPointer
	require.True(t, errors.As(err, &wrongType))

	err = Load(basicConfig{})
	require.True(t, errors.As(err, &wrongType))
}

type validated struct {
	DSN string `env:"TEST_DSN"`
}

func (v *validated) Validate() error {
	if v.DSN == "" {
		return errors.New("TEST_DSN is required")
	}
	return nil
}

type withNested struct {
	Inner validated
}

func TestLoad_NestedValidation(t *testing.T) {
	err := Load(&withNested{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_DSN is required")

	t.Setenv("TEST_DSN", "postgres://localhost/scm")
	require.NoError(t, Load(&withNested{}))
}
