package logger

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConfigPrefersSingleFileOverRolling(t *testing.T) {
	config := CreateConfig("debug", EnableTerminalLog, false, "/var/log/chuantou", "/tmp/chuantou.log")
	assert.NotNil(t, config.ConsoleConfig)
	assert.NotNil(t, config.FileConfig)
	assert.Nil(t, config.RollingConfig)
	assert.Equal(t, "debug", config.MinLevel)
	assert.Equal(t, "/tmp/chuantou.log", config.FileConfig.Fullpath())
}

func TestCreateConfigRollingOnly(t *testing.T) {
	config := CreateConfig("", DisableTerminalLog, false, "/var/log/chuantou", "")
	assert.Nil(t, config.ConsoleConfig)
	assert.Nil(t, config.FileConfig)
	require.NotNil(t, config.RollingConfig)
	assert.Equal(t, "/var/log/chuantou", config.RollingConfig.Dirname)
	assert.Equal(t, defaultConfig.MinLevel, config.MinLevel)
}

func TestResilientMultiWriterRespectsLevel(t *testing.T) {
	var out bytes.Buffer
	multi := resilientMultiWriter{zerolog.InfoLevel, []io.Writer{&out}}
	logger := zerolog.New(multi).With().Timestamp().Logger()

	logger.Debug().Msg("too quiet to pass")
	logger.Info().Msg("loud enough")

	logged := out.String()
	assert.NotContains(t, logged, "too quiet to pass")
	assert.Contains(t, logged, "loud enough")
}

func TestResilientMultiWriterSurvivesFailingWriter(t *testing.T) {
	var out bytes.Buffer
	multi := resilientMultiWriter{zerolog.InfoLevel, []io.Writer{failingWriter{}, &out}}
	logger := zerolog.New(multi).With().Timestamp().Logger()

	logger.Info().Msg("still delivered")

	assert.True(t, strings.Contains(out.String(), "still delivered"))
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, assert.AnError
}
