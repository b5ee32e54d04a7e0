package certs

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndServe(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	require.NoError(t, Generate(dir, "127.0.0.1"))
	path := func(name string) string { return filepath.Join(dir, name) }

	serverCfg, err := ServerTLS(path(ServerFile), path(ServerKeyFile), path(CAFile))
	require.NoError(t, err)
	require.Equal(t, tls.RequireAndVerifyClientCert, serverCfg.ClientAuth)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.TLS.PeerCertificates[0].Subject.CommonName)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := clientTLS(path(CAFile), path(ClientFile), path(ClientKeyFile))
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "client", string(body))

	// without a client certificate the handshake fails
	anon := clientCfg.Clone()
	anon.Certificates = nil
	_, err = (&http.Client{Transport: &http.Transport{TLSClientConfig: anon}}).Get(srv.URL)
	require.Error(t, err)
}

func TestServerTLS_WithoutClientCA(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, "localhost"))

	cfg, err := ServerTLS(filepath.Join(dir, ServerFile), filepath.Join(dir, ServerKeyFile), "")
	require.NoError(t, err)
	require.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	_, err = ServerTLS(filepath.Join(dir, ServerFile), filepath.Join(dir, ServerKeyFile), filepath.Join(dir, "missing.crt"))
	require.Error(t, err)
	_, err = ServerTLS(filepath.Join(dir, CAFile), filepath.Join(dir, ServerKeyFile), "")
	require.Error(t, err)
}
