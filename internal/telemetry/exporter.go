package telemetry

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/singleflight"
)

// MetricFunc returns a map of metric name -> value.
// Names should be simple tokens using [a-zA-Z0-9_:].
type MetricFunc func() map[string]float64

// Exporter serves the registered collectors as plain text under /metrics,
// over TCP and optionally over HTTP/3. Concurrent scrapes share one
// rendering.
type Exporter struct {
	mutex      sync.RWMutex
	collectors map[string]MetricFunc
	group      singleflight.Group
	renders    atomic.Uint64

	srv  *http.Server
	h3   *http3.Server
	pc   net.PacketConn
	h3C  chan struct{}
	stop sync.Once
}

// NewExporter creates an exporter without collectors.
func NewExporter() *Exporter {
	return &Exporter{collectors: make(map[string]MetricFunc)}
}

// Register adds or replaces the collector name.
func (e *Exporter) Register(name string, fn MetricFunc) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.collectors[name] = fn
}

// Renders counts snapshot renderings; collapsed scrapes count once.
func (e *Exporter) Renders() uint64 { return e.renders.Load() }

// Render returns the text exposition of every collector.
func (e *Exporter) Render() []byte {
	v, _, _ := e.group.Do("metrics", func() (interface{}, error) {
		e.renders.Add(1)
		return e.render(), nil
	})
	return v.([]byte)
}

func (e *Exporter) render() []byte {
	e.mutex.RLock()
	names := make([]string, 0, len(e.collectors))
	fns := make(map[string]MetricFunc, len(e.collectors))
	for name, fn := range e.collectors {
		if fn == nil {
			continue
		}
		names = append(names, name)
		fns[name] = fn
	}
	e.mutex.RUnlock()
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		snapshot := fns[name]()
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
		}
	}
	return buf.Bytes()
}

// Handler returns the /metrics mux.
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(e.Render())
	})
	return mux
}

// Start serves /metrics over TCP on addr (host:port) and returns the bound
// address, which differs from addr when port 0 was used.
func (e *Exporter) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	e.srv = &http.Server{Addr: addr, Handler: e.Handler(), ReadHeaderTimeout: 3 * time.Second}
	go func() {
		_ = e.srv.Serve(ln)
	}()
	return ln.Addr().String(), nil
}

// StartHTTP3 serves /metrics over HTTP/3 on the UDP address addr. A nil
// tlsCfg gets a self-signed certificate for the host of addr.
func (e *Exporter) StartHTTP3(addr string, tlsCfg *tls.Config) (string, error) {
	if tlsCfg == nil {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return "", err
		}
		if host == "" {
			host = "localhost"
		}
		if tlsCfg, err = SelfSignedTLS([]string{host}, 24*time.Hour); err != nil {
			return "", fmt.Errorf("generate certificate: %w", err)
		}
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return "", err
	}
	e.pc = pc
	e.h3 = &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: e.Handler()}
	e.h3C = make(chan struct{})
	go func() {
		_ = e.h3.Serve(pc)
		close(e.h3C)
	}()
	return pc.LocalAddr().String(), nil
}

// Shutdown stops every listener.
func (e *Exporter) Shutdown(ctx context.Context) error {
	var err error
	e.stop.Do(func() {
		if e.pc != nil {
			_ = e.pc.Close()
			select {
			case <-e.h3C:
			case <-time.After(time.Second):
			}
		}
		if e.srv != nil {
			err = e.srv.Shutdown(ctx)
		}
	})
	return err
}

// HTTP3Client returns a client speaking HTTP/3 with tlsCfg.
func HTTP3Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{Transport: &http3.Transport{TLSClientConfig: tlsCfg}, Timeout: timeout}
}

// CloseHTTP3Client closes the transport of a client from HTTP3Client.
func CloseHTTP3Client(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}

// SelfSignedTLS creates an in-memory self-signed server config for hosts.
func SelfSignedTLS(hosts []string, validFor time.Duration) (*tls.Config, error) {
	if validFor <= 0 {
		validFor = 24 * time.Hour
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS13, NextProtos: []string{http3.NextProtoH3}}, nil
}

func sanitizeMetricToken(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':' {
			b[i] = c
		} else {
			b[i] = '_'
		}
	}
	if len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}
	return strings.ReplaceAll(string(b), "__", "_")
}
