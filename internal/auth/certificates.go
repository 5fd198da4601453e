// Package auth guards the HTTP API with API tokens or client certificates.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/pkg/types"
	"github.com/sirupsen/logrus"
)

// DevToken is accepted when no token file exists.
const DevToken = "dev-token-12345"

// Validator handles authentication validation
type Validator struct {
	clientCAs      *x509.CertPool
	clientCALoaded bool            // Whether client CA certificates were loaded
	apiTokens      map[string]bool // Simple token validation
}

// NewValidator loads the client CA and token list named in cfg. Missing files
// are tolerated for development setups.
func NewValidator(cfg config.AuthConfig) (*Validator, error) {
	validator := &Validator{
		clientCAs: x509.NewCertPool(),
		apiTokens: make(map[string]bool),
	}

	if err := validator.loadClientCAs(cfg.ClientCACert); err != nil {
		return nil, fmt.Errorf("failed to load client CAs: %w", err)
	}

	if err := validator.loadAPITokens(cfg.APITokensFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}

	return validator, nil
}

func (v *Validator) loadClientCAs(caCertPath string) error {
	if caCertPath == "" {
		return nil
	}

	caCert, err := os.ReadFile(caCertPath) // #nosec G304 -- Path comes from operator config
	if errors.Is(err, os.ErrNotExist) {
		logrus.WithField("path", caCertPath).Warn("Client CA not found, client certificates disabled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read CA cert: %w", err)
	}

	if !v.clientCAs.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA cert %s", caCertPath)
	}

	v.clientCALoaded = true
	return nil
}

func (v *Validator) loadAPITokens(tokenFile string) error {
	content, err := os.ReadFile(tokenFile) // #nosec G304 -- Path comes from operator config
	if tokenFile == "" || errors.Is(err, os.ErrNotExist) {
		logrus.WithField("path", tokenFile).Warn("API token file not found, accepting the development token")
		v.apiTokens[DevToken] = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}

	// One token per line; '#' starts a comment
	for _, line := range strings.Split(string(content), "\n") {
		token := strings.TrimSpace(line)
		if token != "" && !strings.HasPrefix(token, "#") {
			v.apiTokens[token] = true
		}
	}

	return nil
}

// Middleware returns Gin middleware for authentication
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v.validateAPIToken(c) || v.hasVerifiedClientCert(c.Request) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide valid API token or client certificate",
			Code:    http.StatusUnauthorized,
		})
	}
}

// validateAPIToken validates API token from Authorization or X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) bool {
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && token != "" {
		return v.apiTokens[token]
	}

	if token := c.GetHeader("X-API-Token"); token != "" {
		return v.apiTokens[token]
	}

	return false
}

// hasVerifiedClientCert reports whether the TLS handshake verified a client
// certificate against the loaded CA.
func (v *Validator) hasVerifiedClientCert(r *http.Request) bool {
	return v.clientCALoaded && r.TLS != nil && len(r.TLS.VerifiedChains) > 0
}

// TLSConfig returns the server TLS settings. Client certificates are
// verified when offered, so token clients still connect.
func (v *Validator) TLSConfig() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if v.clientCALoaded {
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		cfg.ClientCAs = v.clientCAs
	}
	return cfg
}

// IsClientCALoaded returns whether client CA certificates were loaded
func (v *Validator) IsClientCALoaded() bool {
	return v.clientCALoaded
}
