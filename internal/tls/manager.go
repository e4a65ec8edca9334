package tls

import (
	"crypto/tls"
	"fmt"
	"os"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"golang.org/x/crypto/acme/autocert"
)

// Manager resolves the server certificate: ACME when autocert is on, file
// pair when configured, self-signed for development otherwise.
type Manager struct {
	serverCfg config.ServerConfig
	autoCert  *autocert.Manager
}

func NewManager(serverCfg config.ServerConfig) *Manager {
	m := &Manager{serverCfg: serverCfg}
	if serverCfg.EnableTLS && serverCfg.AutoCert {
		m.setupAutoCert()
	}
	return m
}

func (m *Manager) setupAutoCert() {
	if err := os.MkdirAll(m.serverCfg.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.serverCfg.Domain),
		Cache:      autocert.DirCache(m.serverCfg.AutoCertDir),
		Email:      m.serverCfg.Email,
	}

	util.Info("AutoCert configured",
		util.String("domain", m.serverCfg.Domain),
		util.String("cache_dir", m.serverCfg.AutoCertDir))
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.serverCfg.CertFile != "" && m.serverCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.serverCfg.CertFile, m.serverCfg.KeyFile)
		if err == nil {
			return &cert, nil
		}
	}

	return m.selfSigned()
}

func (m *Manager) selfSigned() (*tls.Certificate, error) {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.serverCfg.Domain != "" {
		hosts = append([]string{m.serverCfg.Domain}, hosts...)
	}

	cert, err := generateDevCert(m.serverCfg.AutoCertDir, hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &cert, nil
}

func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

// AutocertManager exposes the ACME manager so the HTTP listener can serve
// the challenge handler.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
