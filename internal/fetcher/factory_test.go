package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbcrawler/internal/config"
	"kbcrawler/internal/logging"
)

func TestNewSelectsEngine(t *testing.T) {
	cfg := config.Default()

	f, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &HTTPFetcher{}, f)

	cfg.Fetcher.Engine = config.EngineChromedp
	f, err = New(cfg, logging.Discard())
	require.NoError(t, err)
	composite, ok := f.(*Composite)
	require.True(t, ok)
	assert.IsType(t, &ChromedpFetcher{}, composite.renderer)
	assert.IsType(t, &HTTPFetcher{}, composite.fallback)

	cfg.Fetcher.Engine = "lynx"
	_, err = New(cfg, logging.Discard())
	require.Error(t, err)

	cfg.Fetcher.Engine = config.EngineHTTP
	cfg.Fetcher.ProxyURL = "://bad"
	_, err = New(cfg, logging.Discard())
	require.Error(t, err)
}
