package pkg

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func() *Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  func() *Config { return nil },
		},
		{
			name: "console format",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Format = "console"
				c.Level = "debug"
				return c
			},
		},
		{
			name: "no output",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Console.Enable = false
				return c
			},
		},
		{
			name: "invalid level",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Level = "loud"
				return c
			},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: func() *Config {
				c := DefaultConfig()
				c.File.Enable = true
				c.File.Path = ""
				return c
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = path
	cfg.File.Compress = false

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Str("peer", "127.0.0.1:4000").Msg("route added")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"peer":"127.0.0.1:4000"`)
	assert.Contains(t, string(data), "route added")
}

func TestAsyncFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "async.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = path
	cfg.File.Compress = false
	cfg.AsyncWrite = true
	cfg.BufferSize = 128

	logger, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		logger.Info().Int("seq", i).Msg("datagram")
	}
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10, strings.Count(string(data), "datagram"))
}

func TestWithFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = path
	cfg.File.Compress = false

	logger, err := New(cfg)
	require.NoError(t, err)

	child := logger.WithFields(Fields{"component": "dht"})
	child.Info().Msg("hello")
	child.Warn().Err(assert.AnError).Msg("oops")

	assert.Equal(t, "dht", child.fields["component"])
	assert.Empty(t, logger.fields, "parent fields must be untouched")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"dht"`)
	assert.Contains(t, string(data), assert.AnError.Error())
}

func TestLoggerConcurrent(t *testing.T) {
	logger := Nop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			l := logger.WithFields(Fields{"worker": id})
			for j := 0; j < 100; j++ {
				l.Debug().Int("j", j).Msg("tick")
			}
		}(i)
	}
	wg.Wait()
}
