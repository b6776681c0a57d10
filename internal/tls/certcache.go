package tls

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// CertCache memoizes minted leaf certificates by exact hostname. Entries are
// write-once; the cache is bounded by the set of distinct hosts observed in a
// session, so there is no eviction.
type CertCache struct {
	factory CertificateFactory
	mu      sync.Mutex
	cache   map[string]*tls.Certificate
	mints   map[string]int // per-host mint count, exposed for tests
}

// NewCertCache creates a certificate cache in front of the given factory.
func NewCertCache(factory CertificateFactory) *CertCache {
	return &CertCache{
		factory: factory,
		cache:   make(map[string]*tls.Certificate),
		mints:   make(map[string]int),
	}
}

// GetForHost returns the cached leaf for host, minting it on first use.
func (c *CertCache) GetForHost(host string) (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cert, ok := c.cache[host]; ok {
		return cert, nil
	}

	cert, err := c.factory.MintServerCert(host)
	if err != nil {
		return nil, fmt.Errorf("minting certificate for %s: %w", host, err)
	}

	c.cache[host] = cert
	c.mints[host]++
	return cert, nil
}

// GetCertificate adapts the cache to tls.Config.GetCertificate, falling back
// to the connection address when the client sends no SNI.
func (c *CertCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
			host = addr.IP.String()
		} else {
			return nil, fmt.Errorf("no server name in ClientHello")
		}
	}
	return c.GetForHost(host)
}

// Size returns the number of cached hosts.
func (c *CertCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// MintCount reports how many times a leaf was minted for host.
func (c *CertCache) MintCount(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mints[host]
}
