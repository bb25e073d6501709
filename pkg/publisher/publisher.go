package publisher

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// SystemPath is the application path reported for rules owned by the
	// operating system itself.
	SystemPath = "System"
	// SystemSigner is the signer label attached to SystemPath without any lookup.
	SystemSigner = "Microsoft Corporation (System)"
)

// certificateSuffixes are tried in order next to an executable.
var certificateSuffixes = []string{".pem", ".crt"}

// Resolver looks up the signing identity of an executable.
type Resolver interface {
	Resolve(path string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(path string) (string, error)

func (f ResolverFunc) Resolve(path string) (string, error) {
	return f(path)
}

type lookup struct {
	ok     bool
	signer string
	stamp  fingerprint
}

// fileStamp is the stat identity of one file; the zero value means missing.
type fileStamp struct {
	exists  bool
	size    int64
	modTime int64
}

// fingerprint stamps an executable followed by each of its certificateSuffixes files.
type fingerprint [3]fileStamp

func fingerprintOf(path string) fingerprint {
	var fp fingerprint
	fp[0] = stampOf(path)
	for i, suffix := range certificateSuffixes {
		fp[i+1] = stampOf(path + suffix)
	}
	return fp
}

func stampOf(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, size: info.Size(), modTime: info.ModTime().UnixNano()}
}

// Publisher attaches signer identities to rule targets. Results, including
// failed lookups, are cached per path until the executable or one of its
// certificate files changes size or modification time.
type Publisher struct {
	resolver Resolver
	mu       sync.Mutex
	cache    map[string]lookup
	logger   *zap.Logger
}

// New creates a Publisher using the certificate file resolver.
func New(logger *zap.Logger) *Publisher {
	return NewWithResolver(ResolverFunc(ResolveCertificateFile), logger)
}

// NewWithResolver creates a Publisher backed by resolver.
func NewWithResolver(resolver Resolver, logger *zap.Logger) *Publisher {
	return &Publisher{
		resolver: resolver,
		cache:    make(map[string]lookup),
		logger:   logger,
	}
}

// TryGetSigner returns the signer of the executable at path. It never fails:
// an unresolvable path yields (false, "").
func (p *Publisher) TryGetSigner(path string) (ok bool, signer string) {
	if path == SystemPath {
		return true, SystemSigner
	}
	if path == "" {
		return false, ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stamp := fingerprintOf(path)
	if cached, hit := p.cache[path]; hit && cached.stamp == stamp {
		return cached.ok, cached.signer
	}

	result := p.resolve(path)
	result.stamp = stamp
	p.cache[path] = result
	return result.ok, result.signer
}

func (p *Publisher) resolve(path string) (result lookup) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Debug("signer lookup panicked", zap.String("path", path), zap.Any("panic", r))
			result = lookup{}
		}
	}()

	signer, err := p.resolver.Resolve(path)
	if err != nil || signer == "" {
		p.logger.Debug("no signer found", zap.String("path", path), zap.Error(err))
		return lookup{}
	}
	return lookup{ok: true, signer: signer}
}

// Forget drops all cached lookups.
func (p *Publisher) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]lookup)
}

// ErrNoCertificate is returned when no certificate is stored next to an executable.
var ErrNoCertificate = errors.New("no signing certificate")

// ResolveCertificateFile reads the PEM certificate stored next to the
// executable at path and returns its organization, or its common name when
// the organization is empty.
func ResolveCertificateFile(path string) (string, error) {
	for _, suffix := range certificateSuffixes {
		data, err := os.ReadFile(path + suffix)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return signerFromPEM(data)
	}
	return "", ErrNoCertificate
}

func signerFromPEM(data []byte) (string, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return "", ErrNoCertificate
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("failed to parse certificate: %w", err)
		}
		if org := strings.Join(cert.Subject.Organization, ", "); org != "" {
			return org, nil
		}
		if cert.Subject.CommonName != "" {
			return cert.Subject.CommonName, nil
		}
		return "", ErrNoCertificate
	}
}
