package config_test

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

	"github.com/matryer/is"
	"github.com/matthewmueller/servn/config"
	"github.com/spf13/pflag"
)

func TestDefaults(t *testing.T) {
	is := is.New(t)
	c := config.Default()
	is.Equal(c.Root, ".")
	is.Equal(c.Host, "localhost")
	is.Equal(c.Port, 8080)
	is.Equal(c.Protocol, "http")
	is.Equal(c.File, "main.js")
	is.Equal(c.Index, "index.html")
	is.Equal(c.Placeholder, true)
	is.Equal(c.Inject, false)
	is.Equal(len(c.Watch), 0)
}

func TestLoadEnvAndFlags(t *testing.T) {
	is := is.New(t)
	t.Setenv("HOST", "example.com")
	t.Setenv("PORT", "3000")
	t.Setenv("WATCHERS", "a.js b.css")
	fs := pflag.NewFlagSet("servn", pflag.ContinueOnError)
	config.Flags(fs)
	is.NoErr(fs.Parse([]string{"--port", "4000", "--file", "index.js"}))
	c, err := config.Load(fs)
	is.NoErr(err)
	is.Equal(c.Host, "example.com")
	// Flags win over the environment
	is.Equal(c.Port, 4000)
	is.Equal(c.File, "index.js")
	is.Equal(c.Watch, []string{"a.js", "b.css"})
}

func TestValidateResolvesPaths(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	c := config.Default()
	c.Root = dir
	c.Watch = []string{"extra.js"}
	is.NoErr(c.Validate())
	is.Equal(c.Root, dir)
	is.Equal(c.Entry, filepath.Join(dir, "main.js"))
	is.Equal(c.Index, filepath.Join(dir, "index.html"))
	is.True(filepath.IsAbs(c.Watch[0]))
	is.Equal(c.URL(), "http://localhost:8080")
	is.Equal(c.SocketURL("/livereload"), "ws://localhost:8080/livereload")
	is.True(c.TLSConfig() == nil)
}

func TestValidateMissingRoot(t *testing.T) {
	is := is.New(t)
	c := config.Default()
	c.Root = filepath.Join(t.TempDir(), "nope")
	err := c.Validate()
	var cerr *config.ConfigError
	is.True(errors.As(err, &cerr))
	is.Equal(cerr.Field, "root")
}

func TestValidateUnwatchablePath(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	c := config.Default()
	c.Root = dir
	c.Watch = []string{filepath.Join(dir, "nope", "deeper", "shared.js")}
	var cerr *config.ConfigError
	is.True(errors.As(c.Validate(), &cerr))
	is.Equal(cerr.Field, "watch")

	// Missing files in an existing directory are watched for creation
	c = config.Default()
	c.Root = dir
	c.Watch = []string{filepath.Join(dir, "later.js")}
	is.NoErr(c.Validate())
}

func TestValidateRootIsFile(t *testing.T) {
	is := is.New(t)
	file := filepath.Join(t.TempDir(), "file.txt")
	is.NoErr(os.WriteFile(file, []byte("x"), 0644))
	c := config.Default()
	c.Root = file
	var cerr *config.ConfigError
	is.True(errors.As(c.Validate(), &cerr))
}

func TestValidateBadProtocol(t *testing.T) {
	is := is.New(t)
	c := config.Default()
	c.Root = t.TempDir()
	c.Protocol = "ftp"
	var cerr *config.ConfigError
	is.True(errors.As(c.Validate(), &cerr))
	is.Equal(cerr.Field, "protocol")
}

func TestValidateMissingCertificate(t *testing.T) {
	is := is.New(t)
	c := config.Default()
	c.Root = t.TempDir()
	c.TLS = true
	c.CertDir = t.TempDir()
	var cerr *config.ConfigError
	is.True(errors.As(c.Validate(), &cerr))
	is.Equal(cerr.Field, "cert")
	is.Equal(c.Protocol, "https")
}

func TestValidateLoadsCertificate(t *testing.T) {
	is := is.New(t)
	certDir := t.TempDir()
	writeCertificate(t, certDir)
	c := config.Default()
	c.Root = t.TempDir()
	c.Protocol = "https"
	c.CertDir = certDir
	is.NoErr(c.Validate())
	is.True(c.TLSConfig() != nil)
	is.Equal(len(c.TLSConfig().Certificates), 1)
	is.Equal(c.SocketURL("/livereload"), "wss://localhost:8080/livereload")
}

func writeCertificate(t *testing.T, dir string) {
	t.Helper()
	is := is.New(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	is.NoErr(err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	is.NoErr(err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	is.NoErr(err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	is.NoErr(os.WriteFile(filepath.Join(dir, "localhost.pem"), certPEM, 0644))
	is.NoErr(os.WriteFile(filepath.Join(dir, "localhost-key.pem"), keyPEM, 0600))
}
