// Package ca implements the C5 certificate authority: a persistent
// self-signed root plus an in-memory per-host leaf minting cache, used to
// intercept TLS connections for arbitrary SNI values.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/perr"
)

const (
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	rsaKeyBits   = 2048

	caCertFilename = "mitmproxy-ca-cert.pem"
	caKeyFilename  = "mitmproxy-ca-cert.p12"
	p12Password    = "mitmproxy" // matches the control-plane's documented default import password
)

// hostEntry is one cached leaf: the signed certificate plus its key, and
// the pre-built tls.Certificate used directly by the client TLS layer
// (ClientTLS).
type hostEntry struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	tlsCert tls.Certificate
}

// Authority is the C5 certificate authority. One Authority is shared by
// every client TLS layer (ClientTLS) instance in the process.
type Authority struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	rootDER  []byte

	mu    sync.RWMutex
	cache map[string]*hostEntry

	dir string
}

// New bootstraps or loads the root certificate under dir and returns a
// ready-to-use Authority. dir is created if it doesn't already exist.
func New(dir string) (*Authority, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, perr.NewCA("creating cert directory", err)
	}

	a := &Authority{
		cache: make(map[string]*hostEntry),
		dir:   dir,
	}

	certPath := filepath.Join(dir, caCertFilename)
	keyPath := filepath.Join(dir, caKeyFilename)

	if fileExists(certPath) && fileExists(keyPath) {
		if err := a.loadRoot(certPath, keyPath); err == nil {
			return a, nil
		}
		// fall through to regeneration if the on-disk root is unreadable
	}

	if err := a.generateRoot(); err != nil {
		return nil, err
	}
	if err := a.saveRoot(certPath, keyPath); err != nil {
		return nil, err
	}
	return a, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// generateRoot creates a fresh 2048-bit RSA root CA certificate, 10-year
// validity, CA:TRUE, KU = keyCertSign|cRLSign, per spec.md §4.11.
func (a *Authority) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return perr.NewCA("generating root key", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return perr.NewCA("generating root serial", err)
	}

	now := time.Now()
	subject := pkix.Name{CommonName: "mitmproxy", Organization: []string{"mitmproxy"}}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return perr.NewCA("signing root certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return perr.NewCA("parsing root certificate", err)
	}

	a.rootCert = cert
	a.rootKey = key
	a.rootDER = der
	return nil
}

// loadRoot reads the root certificate (PEM) and key (PKCS#12) from disk.
func (a *Authority) loadRoot(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return perr.NewCA("reading root certificate", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return perr.NewCA("decoding root certificate PEM", nil)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return perr.NewCA("parsing root certificate", err)
	}

	p12Data, err := os.ReadFile(keyPath)
	if err != nil {
		return perr.NewCA("reading root key bag", err)
	}
	key, _, err := pkcs12.Decode(p12Data, p12Password)
	if err != nil {
		return perr.NewCA("decoding root key bag", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return perr.NewCA("root key bag did not contain an RSA key", nil)
	}

	a.rootCert = cert
	a.rootKey = rsaKey
	a.rootDER = cert.Raw
	return nil
}

// saveRoot persists the root certificate as PEM and the private key inside a
// password-protected PKCS#12 bag, the format the control plane's documented
// import flow expects.
func (a *Authority) saveRoot(certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.rootDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return perr.NewCA("writing root certificate", err)
	}

	p12Data, err := pkcs12.Modern.Encode(a.rootKey, a.rootCert, nil, p12Password)
	if err != nil {
		return perr.NewCA("encoding root key bag", err)
	}
	if err := os.WriteFile(keyPath, p12Data, 0o600); err != nil {
		return perr.NewCA("writing root key bag", err)
	}
	return nil
}

// CertPEM returns the root certificate in PEM form, for distribution to
// clients that need to trust the proxy.
func (a *Authority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.rootDER})
}

// CertDER returns the root certificate in DER form.
func (a *Authority) CertDER() []byte {
	return a.rootDER
}

// LeafForHost returns the cached tls.Certificate for hostname, minting and
// caching one on first use. Safe for concurrent use by many connections.
func (a *Authority) LeafForHost(hostname string) (tls.Certificate, error) {
	a.mu.RLock()
	entry, ok := a.cache[hostname]
	a.mu.RUnlock()
	if ok {
		return entry.tlsCert, nil
	}

	entry, err := a.mintLeaf(hostname)
	if err != nil {
		return tls.Certificate{}, err
	}

	a.mu.Lock()
	// another goroutine may have minted the same host concurrently; keep
	// whichever entry landed in the cache first so all callers observe the
	// same leaf for a given host.
	if existing, ok := a.cache[hostname]; ok {
		a.mu.Unlock()
		return existing.tlsCert, nil
	}
	a.cache[hostname] = entry
	a.mu.Unlock()

	return entry.tlsCert, nil
}

// mintLeaf signs a fresh 1-year leaf certificate for hostname, per
// spec.md §4.11: SAN={hostname}∪{"*.hostname"} unless already a wildcard,
// AKI referencing the root, KU=digitalSignature|keyEncipherment|nonRepudiation.
func (a *Authority) mintLeaf(hostname string) (*hostEntry, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, perr.NewCA(fmt.Sprintf("generating leaf key for %s", hostname), err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, perr.NewCA("generating leaf serial", err)
	}

	now := time.Now()
	sans := []string{hostname}
	if !strings.HasPrefix(hostname, "*.") {
		sans = append(sans, "*."+hostname)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		Issuer:                a.rootCert.Subject,
		NotBefore:             now,
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              sans,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
		AuthorityKeyId:        a.rootCert.SubjectKeyId,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, &key.PublicKey, a.rootKey)
	if err != nil {
		return nil, perr.NewCA(fmt.Sprintf("signing leaf for %s", hostname), err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, perr.NewCA("parsing minted leaf", err)
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{der, a.rootDER},
		PrivateKey:  key,
		Leaf:        cert,
	}

	return &hostEntry{cert: cert, key: key, tlsCert: tlsCert}, nil
}

// ClearCache drops every minted leaf, forcing regeneration on next use.
func (a *Authority) ClearCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[string]*hostEntry)
}

// CacheSize reports how many hosts currently have a cached leaf.
func (a *Authority) CacheSize() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.cache)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 159)
	return rand.Int(rand.Reader, limit)
}

func subjectKeyID(pub *rsa.PublicKey) []byte {
	sum := sha256.Sum256(pub.N.Bytes())
	return sum[:20]
}

// ToFlowCertificate extracts the control-plane JSON projection of an X.509
// certificate (see flow.Certificate and spec.md §6).
func ToFlowCertificate(cert *x509.Certificate) *flow.Certificate {
	sum := sha256.Sum256(cert.Raw)

	return &flow.Certificate{
		KeyInfo:   fmt.Sprintf("RSA %d", cert.PublicKey.(*rsa.PublicKey).N.BitLen()),
		SHA256:    fmt.Sprintf("%x", sum),
		NotBefore: cert.NotBefore.Unix(),
		NotAfter:  cert.NotAfter.Unix(),
		Serial:    cert.SerialNumber.String(),
		Subject:   nameToMap(cert.Subject),
		Issuer:    nameToMap(cert.Issuer),
		AltNames:  cert.DNSNames,
	}
}

func nameToMap(name pkix.Name) map[string]string {
	m := make(map[string]string)
	if name.CommonName != "" {
		m["CN"] = name.CommonName
	}
	if len(name.Organization) > 0 {
		m["O"] = name.Organization[0]
	}
	if len(name.OrganizationalUnit) > 0 {
		m["OU"] = name.OrganizationalUnit[0]
	}
	if len(name.Country) > 0 {
		m["C"] = name.Country[0]
	}
	return m
}
