package common

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/services"
	"github.com/flashbots/techmap/tdx"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverDefaults(t *testing.T) {
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "techmap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
admin_token: "admin:secret"
database_url: "postgres://techmap@db/techmap"
key_server:
  allowed_map_servers: ["`+pub.String()+`"]
  token_ttl: 30s
map_server:
  cas_retries: 3
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTPAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 3, cfg.MapServer.CASRetries)
	require.Equal(t, DefaultConfig().MapServer.CandidateTTL, cfg.MapServer.CandidateTTL)
	require.Equal(t, DefaultConfig().TechMap, cfg.TechMap)
	require.Equal(t, "postgres://techmap@db/techmap", cfg.DatabaseDSN())

	ks, err := cfg.KeyServerProtocolConfig()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, ks.TokenTTL)
	require.Len(t, ks.AllowedMapServers, 1)
	require.True(t, ks.AllowedMapServers[0].Equal(pub))
}

func TestKeyServerConfigRequiresAllowList(t *testing.T) {
	cfg := DefaultConfig()
	_, err := cfg.KeyServerProtocolConfig()
	require.ErrorIs(t, err, ErrNoAllowedMapServers)

	cfg.KeyServer.InsecureAllowAnyMapServer = true
	ks, err := cfg.KeyServerProtocolConfig()
	require.NoError(t, err)
	require.True(t, ks.InsecureAllowAnyMapServer)
	require.Empty(t, ks.AllowedMapServers)
}

func TestLoadConfigRejectsWeakSignTest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "techmap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("map_server:\n  sign_test_rounds: 2\n"), 0o600))
	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "sign_test_rounds")
}

func TestLoadConfigRejectsInvalidSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "techmap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("techmap:\n  inputs: []\n"), 0o600))
	_, err := LoadConfig(path)
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DefaultConfig()
	require.Empty(t, cfg.DatabaseDSN())

	cfg.Postgres = &services.PostgresConfig{Host: "db", Port: 5432, User: "u", Database: "d"}
	require.Contains(t, cfg.DatabaseDSN(), "host=db")
}

func TestParsePublicKeys(t *testing.T) {
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	keys, err := ParsePublicKeys([]string{" " + pub.String() + " ", ""})
	require.NoError(t, err)
	require.Len(t, keys, 1)

	_, err = ParsePublicKeys([]string{"abcd"})
	require.Error(t, err)
}

func TestLoadOrGenerateSigningKey(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	loaded, err := LoadOrGenerateSigningKey(hex.EncodeToString(priv.Bytes()))
	require.NoError(t, err)
	require.Equal(t, priv, loaded)

	generated, err := LoadOrGenerateSigningKey("")
	require.NoError(t, err)
	require.Len(t, generated, len(priv))

	_, err = LoadOrGenerateSigningKey("zz")
	require.Error(t, err)
	_, err = LoadOrGenerateSigningKey("abcd")
	require.Error(t, err)
}

func TestLoadOrGeneratePaillierKey(t *testing.T) {
	generatePaillierKey = crypto.GenerateTestKeypair
	t.Cleanup(func() { generatePaillierKey = crypto.GenerateKeypair })

	path := filepath.Join(t.TempDir(), "paillier.json")
	keys := KeysConfig{PaillierBits: crypto.MinTestKeyBits, Shares: 3, Threshold: 2}

	kp, generated, err := LoadOrGeneratePaillierKey(path, keys, crypto.MinTestKeyBits)
	require.NoError(t, err)
	require.True(t, generated)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, generated, err := LoadOrGeneratePaillierKey(path, keys, crypto.MinTestKeyBits)
	require.NoError(t, err)
	require.False(t, generated)
	require.True(t, kp.Public.Equal(again.Public))

	// a stored key below the policy is refused rather than replaced
	_, _, err = LoadOrGeneratePaillierKey(path, keys, crypto.MinKeyBits)
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	_, _, err = LoadOrGeneratePaillierKey(bad, KeysConfig{PaillierBits: 300, Shares: 3, Threshold: 2}, crypto.MinTestKeyBits)
	require.ErrorIs(t, err, crypto.ErrInvalidKeyParameters)
	_, err = os.Stat(bad)
	require.True(t, os.IsNotExist(err))

	// the production generator refuses test sized keys
	generatePaillierKey = crypto.GenerateKeypair
	_, _, err = LoadOrGeneratePaillierKey(bad, keys, crypto.MinTestKeyBits)
	require.ErrorIs(t, err, crypto.ErrInvalidKeyParameters)
}

func TestNewKeyBundleVerifier(t *testing.T) {
	require.Nil(t, NewKeyBundleVerifier(AttestationConfig{}, true))

	v := NewKeyBundleVerifier(AttestationConfig{}, false)
	kbv, ok := v.(*services.KeyBundleVerifier)
	require.True(t, ok)
	require.IsType(t, &tdx.DummyProvider{}, kbv.Provider)
	require.NotNil(t, kbv.Source)

	v = NewKeyBundleVerifier(AttestationConfig{UseTDX: true, TDXRemoteURL: "http://dcap.example"}, false)
	require.IsType(t, &tdx.RemoteDCAPProvider{}, v.(*services.KeyBundleVerifier).Provider)
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger("debug", true)
	require.NoError(t, err)
	_, err = NewLogger("loud", false)
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, SplitList(" a, ,b "))
	require.Nil(t, SplitList(""))
}
