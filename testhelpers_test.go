package meshcore_test

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempPEM(t *testing.T, blockType string, der []byte) string {
	t.Helper()
	block := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	path := filepath.Join(t.TempDir(), blockType+".pem")
	require.NoError(t, os.WriteFile(path, block, 0o600))
	return path
}

func writeTempECKey(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, block, 0o600))
	return path
}
