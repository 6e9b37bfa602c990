package cmd

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSecrets(t *testing.T) {
	assert.Equal(t, []string{"one", "two", "three"}, splitSecrets("one,two three"))
	assert.Equal(t, []string{"one", "two"}, splitSecrets(" one ,, two\n"))
	assert.Empty(t, splitSecrets(""))
}

func TestVersionString(t *testing.T) {
	assert.Contains(t, versionString(), Version)
	assert.Contains(t, versionString(), BuildTime)
}

func TestSetupLogging(t *testing.T) {

	defer log.SetOutput(os.Stdout)
	defer log.SetFormatter(&log.TextFormatter{})
	defer log.SetLevel(log.InfoLevel)

	assert.Error(t, setupLogging("RELAY", "loud", "json", "stdout"))
	assert.Error(t, setupLogging("RELAY", "info", "xml", "stdout"))

	require.NoError(t, setupLogging("RELAY", "DEBUG", "text", "stderr"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	path := filepath.Join(t.TempDir(), "relay.log")

	require.NoError(t, setupLogging("RELAY", "info", "json", path))

	log.Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
