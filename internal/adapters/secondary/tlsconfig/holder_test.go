package tlsconfig_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/cosign/internal/adapters/secondary/tlsconfig"
	"github.com/sufield/cosign/internal/core/domain"
	cosigntest "github.com/sufield/cosign/internal/testing"
)

func TestHolder_ClientConfig(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	h := tlsconfig.NewHolder(nil)

	_, err := h.ClientConfig("weblogin.test")
	assert.ErrorIs(t, err, tlsconfig.ErrNotLoaded)
	assert.False(t, h.Loaded())

	require.NoError(t, h.Load(tlsconfig.Source{KeyStorePath: pki.KeyStorePath, TrustStorePath: pki.CAPath}))
	cfg, err := h.ClientConfig("weblogin.test")
	require.NoError(t, err)
	assert.Equal(t, "weblogin.test", cfg.ServerName)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
	assert.True(t, h.Loaded())
}

func TestHolder_SystemRootsWithoutTrustStore(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	h := tlsconfig.NewHolder(nil)
	require.NoError(t, h.Load(tlsconfig.Source{KeyStorePath: pki.KeyStorePath}))
	cfg, err := h.ClientConfig("weblogin.test")
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
}

func TestHolder_FailedLoadKeepsPrevious(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	h := tlsconfig.NewHolder(nil)
	require.NoError(t, h.Load(tlsconfig.Source{KeyStorePath: pki.KeyStorePath, TrustStorePath: pki.CAPath}))

	garbage := filepath.Join(t.TempDir(), "client.p12")
	require.NoError(t, os.WriteFile(garbage, []byte("not a keystore"), 0o600))

	assert.Error(t, h.Load(tlsconfig.Source{KeyStorePath: garbage, KeyStorePassword: "changeit"}))
	assert.Error(t, h.Load(tlsconfig.Source{KeyStorePath: filepath.Join(t.TempDir(), "missing.p12")}))
	assert.Error(t, h.Load(tlsconfig.Source{KeyStorePath: pki.KeyStorePath, TrustStorePath: garbage}))

	_, err := h.ClientConfig("weblogin.test")
	assert.NoError(t, err)
}

func TestHolder_OnConfigUpdate(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	h := tlsconfig.NewHolder(nil)
	settings := &domain.Settings{KeyStorePath: pki.KeyStorePath, TrustStorePath: pki.CAPath}
	require.NoError(t, h.OnConfigUpdate(context.Background(), settings))

	// unchanged settings do not touch the files
	require.NoError(t, os.Remove(pki.KeyStorePath))
	require.NoError(t, h.OnConfigUpdate(context.Background(), settings))

	changed := *settings
	changed.TrustStorePath = ""
	assert.Error(t, h.OnConfigUpdate(context.Background(), &changed))
	assert.True(t, h.Loaded())
}
