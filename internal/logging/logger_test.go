// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/publisher/internal/config"
)

func TestNewLogger_Console(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	var buf bytes.Buffer

	logger, err := NewLogger(cfg, &buf)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("subscription created", "subscription", "line1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "subscription=line1")
}

func TestNewLogger_FileJSON(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Format = "json"
	cfg.Level = "debug"
	cfg.File.Enabled = true
	cfg.File.Path = filepath.Join(t.TempDir(), "logs", "publisher.log")
	t.Cleanup(func() { _ = Shutdown() })

	var buf bytes.Buffer
	logger, err := NewLogger(cfg, &buf)
	require.NoError(t, err)
	logger.With("endpoint", "opc.tcp://plc:4840").Debug("connected")

	content, err := os.ReadFile(cfg.File.Path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"connected"`)
	assert.Contains(t, string(content), `"endpoint":"opc.tcp://plc:4840"`)
	assert.Contains(t, buf.String(), `"msg":"connected"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
