package httpc

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHttpc_DefaultRejectsSelfSigned(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := (&Httpc{}).New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.R().Get(srv.URL); err == nil {
		t.Fatalf("expected certificate error without pinning")
	}
}

func TestHttpc_Insecure(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := (&Httpc{Insecure: true}).MustNew()
	resp, err := c.R().Get(srv.URL)
	if err != nil || resp.StatusCode() != http.StatusOK {
		t.Fatalf("expected 200, got resp=%v err=%v", resp, err)
	}
}

func TestHttpc_PinnedServiceCert(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	path := filepath.Join(t.TempDir(), "service_cert.pem")
	if err := os.WriteFile(path, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}

	c, err := (&Httpc{CACertFile: path, BaseURL: srv.URL + "/", Timeout: 5 * time.Second}).New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := c.R().Get("/app/listpubkeys")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.String() != "/app/listpubkeys" {
		t.Fatalf("unexpected body %q", resp.String())
	}
}

func TestHttpc_Errors(t *testing.T) {
	if _, err := (&Httpc{CACertFile: filepath.Join(t.TempDir(), "missing.pem")}).New(); err == nil {
		t.Fatalf("expected error for missing service cert")
	}
	if _, err := (&Httpc{CACertPEM: []byte("not pem")}).New(); err == nil {
		t.Fatalf("expected error for invalid PEM")
	}
	if _, err := (&Httpc{ClientCertFile: "member0_cert.pem"}).New(); err == nil {
		t.Fatalf("expected error when key is missing")
	}
}
