package httpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Httpc describes how to reach a CCF endpoint. CCF nodes present a
// self-signed service certificate, so callers either pin it with CACertFile
// or set Insecure. Member-authenticated calls present ClientCertFile/ClientKeyFile.
type Httpc struct {
	TlsConfig      *tls.Config
	BaseURL        string
	CACertFile     string
	CACertPEM      []byte
	ClientCertFile string
	ClientKeyFile  string
	Insecure       bool
	Timeout        time.Duration
}

// TLS assembles the effective TLS configuration.
// Defaults: MinVersion TLS1.2 when MinVersion is zero.
func (h *Httpc) TLS() (*tls.Config, error) {
	var cfg *tls.Config
	if h.TlsConfig != nil {
		cfg = h.TlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if h.Insecure {
		cfg.InsecureSkipVerify = true // #nosec G402 -- sandbox clusters use self-signed certs
	}

	caPEM := h.CACertPEM
	if len(caPEM) == 0 && strings.TrimSpace(h.CACertFile) != "" {
		b, err := os.ReadFile(h.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read service cert: %w", err)
		}
		caPEM = b
	}
	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("service cert: no PEM certificates found")
		}
		cfg.RootCAs = pool
	}

	if h.ClientCertFile != "" || h.ClientKeyFile != "" {
		if h.ClientCertFile == "" || h.ClientKeyFile == "" {
			return nil, fmt.Errorf("client cert and key must be set together")
		}
		pair, err := tls.LoadX509KeyPair(h.ClientCertFile, h.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load member cert: %w", err)
		}
		cfg.Certificates = append(cfg.Certificates, pair)
	}
	return cfg, nil
}

// New returns a resty.Client configured according to the receiver's settings.
func (h *Httpc) New() (*resty.Client, error) {
	cfg, err := h.TLS()
	if err != nil {
		return nil, err
	}
	c := resty.New()
	c.SetTLSClientConfig(cfg)
	if h.BaseURL != "" {
		c.SetBaseURL(strings.TrimRight(h.BaseURL, "/"))
	}
	if h.Timeout > 0 {
		c.SetTimeout(h.Timeout)
	}
	return c, nil
}

// MustNew is New for configurations without file inputs; it panics on error.
func (h *Httpc) MustNew() *resty.Client {
	c, err := h.New()
	if err != nil {
		panic(err)
	}
	return c
}
