package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinal/instant/toolchain"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(New())
	require.NoError(t, err)
	d := Default()
	assert.Equal(t, d.LockBackend, cfg.LockBackend)
	assert.Equal(t, d.Toolchain, cfg.Toolchain)
	assert.Equal(t, d.Local.Swig, cfg.Local.Swig)
	assert.Equal(t, d.Local.PythonConfig, cfg.Local.PythonConfig)
	assert.Equal(t, d.Log, cfg.Log)
	assert.Empty(t, cfg.Docker.PythonIncludes)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	file := `
cache_dir = "/from/file"
toolchain = "docker"
lock_backend = "noop"

[docker]
image = "example/swig:4"
pull = true

[log]
level = "info"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instant.toml"), []byte(file), 0o644))
	t.Setenv("INSTANT_LOG_LEVEL", "debug")
	t.Setenv("INSTANT_DOCKER_IMAGE", "example/swig:env")

	v := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("cache-dir", "", "")
	flags.String("docker-image", "", "")
	require.NoError(t, BindFlags(v, flags))
	require.NoError(t, flags.Parse([]string{"--cache-dir=/from/flag"}))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.CacheDir)           // flag beats file
	assert.Equal(t, "debug", cfg.Log.Level)               // env beats file
	assert.Equal(t, "example/swig:env", cfg.Docker.Image) // env beats unset flag
	assert.Equal(t, "noop", cfg.LockBackend)
	assert.True(t, cfg.Docker.Pull)

	collab, ok := cfg.Collaborator(toolchain.Options{Libraries: []string{"m"}}).(toolchain.Docker)
	require.True(t, ok)
	assert.Equal(t, []string{"m"}, collab.Options.Libraries)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.LockBackend = "fcntl"
	cfg.Toolchain = "docker"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_backend")
	assert.Contains(t, err.Error(), "docker.image")

	cfg = Default()
	cfg.Toolchain = "bazel"
	assert.ErrorContains(t, cfg.Validate(), "toolchain")
}

func TestLoad_BadFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instant.toml"), []byte("cache_dir = ["), 0o644))
	_, err := Load(New())
	assert.Error(t, err)
}

func TestCollaborator_Local(t *testing.T) {
	cfg := Default()
	cfg.Local.CXX = "clang++"
	l, ok := cfg.Collaborator(toolchain.Options{}).(toolchain.Local)
	require.True(t, ok)
	assert.Equal(t, "clang++", l.CXX)
	assert.Equal(t, "swig", l.Swig)
}
