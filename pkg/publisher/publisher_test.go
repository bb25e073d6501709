package publisher

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeCertificate(t *testing.T, path string, subject pkix.Name) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestTryGetSignerSystemPath(t *testing.T) {
	calls := 0
	p := NewWithResolver(ResolverFunc(func(string) (string, error) {
		calls++
		return "", nil
	}), zap.NewNop())

	ok, signer := p.TryGetSigner("System")
	assert.True(t, ok)
	assert.Equal(t, "Microsoft Corporation (System)", signer)
	assert.Zero(t, calls, "System must not reach the resolver")
}

func TestTryGetSignerEmptyPath(t *testing.T) {
	p := New(zap.NewNop())
	ok, signer := p.TryGetSigner("")
	assert.False(t, ok)
	assert.Empty(t, signer)
}

func TestTryGetSignerMemoizes(t *testing.T) {
	calls := 0
	p := NewWithResolver(ResolverFunc(func(path string) (string, error) {
		calls++
		if path == "/usr/bin/missing" {
			return "", errors.New("not found")
		}
		return "Example Corp", nil
	}), zap.NewNop())

	for i := 0; i < 3; i++ {
		ok, signer := p.TryGetSigner("/usr/sbin/sshd")
		assert.True(t, ok)
		assert.Equal(t, "Example Corp", signer)
		ok, _ = p.TryGetSigner("/usr/bin/missing")
		assert.False(t, ok)
	}
	assert.Equal(t, 2, calls)

	p.Forget()
	p.TryGetSigner("/usr/sbin/sshd")
	assert.Equal(t, 3, calls)
}

func TestTryGetSignerRefreshesWhenExecutableChanges(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(exe, []byte("v1"), 0755))

	answer, calls := "Good Corp", 0
	p := NewWithResolver(ResolverFunc(func(string) (string, error) {
		calls++
		return answer, nil
	}), zap.NewNop())

	_, signer := p.TryGetSigner(exe)
	assert.Equal(t, "Good Corp", signer)

	answer = "Evil Inc"
	_, signer = p.TryGetSigner(exe)
	assert.Equal(t, "Good Corp", signer, "unchanged executable is served from cache")
	assert.Equal(t, 1, calls)

	require.NoError(t, os.WriteFile(exe, []byte("replaced binary"), 0755))
	_, signer = p.TryGetSigner(exe)
	assert.Equal(t, "Evil Inc", signer)
	assert.Equal(t, 2, calls)
}

func TestTryGetSignerPicksUpNewCertificate(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "daemon")
	require.NoError(t, os.WriteFile(exe, []byte("bin"), 0755))

	p := New(zap.NewNop())
	ok, _ := p.TryGetSigner(exe)
	require.False(t, ok)

	writeCertificate(t, exe+".crt", pkix.Name{Organization: []string{"Acme"}})
	ok, signer := p.TryGetSigner(exe)
	assert.True(t, ok)
	assert.Equal(t, "Acme", signer)
}

func TestTryGetSignerRecoversFromPanic(t *testing.T) {
	p := NewWithResolver(ResolverFunc(func(string) (string, error) {
		panic("broken resolver")
	}), zap.NewNop())

	ok, signer := p.TryGetSigner("/bin/app")
	assert.False(t, ok)
	assert.Empty(t, signer)
}

func TestResolveCertificateFile(t *testing.T) {
	dir := t.TempDir()

	withOrg := filepath.Join(dir, "nginx")
	writeCertificate(t, withOrg+".pem", pkix.Name{Organization: []string{"F5, Inc."}, CommonName: "nginx"})
	signer, err := ResolveCertificateFile(withOrg)
	require.NoError(t, err)
	assert.Equal(t, "F5, Inc.", signer)

	cnOnly := filepath.Join(dir, "agent")
	writeCertificate(t, cnOnly+".crt", pkix.Name{CommonName: "Agent Builder"})
	signer, err = ResolveCertificateFile(cnOnly)
	require.NoError(t, err)
	assert.Equal(t, "Agent Builder", signer)

	_, err = ResolveCertificateFile(filepath.Join(dir, "unsigned"))
	assert.ErrorIs(t, err, ErrNoCertificate)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage+".pem", []byte("not a certificate"), 0644))
	_, err = ResolveCertificateFile(garbage)
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestDefaultPublisherUsesCertificateFiles(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "daemon")
	writeCertificate(t, exe+".pem", pkix.Name{Organization: []string{"Acme"}})

	p := New(zap.NewNop())
	ok, signer := p.TryGetSigner(exe)
	assert.True(t, ok)
	assert.Equal(t, "Acme", signer)

	ok, _ = p.TryGetSigner(filepath.Join(dir, "other"))
	assert.False(t, ok)
}
