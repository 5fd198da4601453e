package auth

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidator(t *testing.T) {
	validator, err := NewValidator(config.AuthConfig{
		ClientCACert:  "/nonexistent/ca.pem",
		APITokensFile: "/nonexistent/api-tokens",
	})

	require.NoError(t, err)
	assert.NotNil(t, validator)
	assert.False(t, validator.IsClientCALoaded())
	assert.True(t, validator.apiTokens[DevToken])
}

func TestLoadAPITokens(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "api-tokens")
	require.NoError(t, os.WriteFile(tokenFile, []byte("# operators\ntoken-a\n\n  token-b  \n"), 0o600))

	tests := []struct {
		name           string
		tokensFile     string
		expectedTokens map[string]bool
	}{
		{
			name:           "no token file - use defaults",
			tokensFile:     "",
			expectedTokens: map[string]bool{DevToken: true},
		},
		{
			name:           "token file",
			tokensFile:     tokenFile,
			expectedTokens: map[string]bool{"token-a": true, "token-b": true, DevToken: false, "# operators": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator := &Validator{
				apiTokens: make(map[string]bool),
			}

			err := validator.loadAPITokens(tt.tokensFile)

			require.NoError(t, err)
			for token, expected := range tt.expectedTokens {
				assert.Equal(t, expected, validator.apiTokens[token], token)
			}
		})
	}
}

func TestLoadAPITokens_Unreadable(t *testing.T) {
	validator := &Validator{apiTokens: make(map[string]bool)}

	err := validator.loadAPITokens(t.TempDir())

	assert.Error(t, err)
}

func TestValidateAPIToken(t *testing.T) {
	validator := &Validator{
		apiTokens: map[string]bool{
			"valid-token":   true,
			"another-token": true,
		},
	}

	tests := []struct {
		name       string
		authHeader string
		apiToken   string
		expected   bool
	}{
		{
			name:       "valid bearer token",
			authHeader: "Bearer valid-token",
			expected:   true,
		},
		{
			name:     "valid X-API-Token",
			apiToken: "another-token",
			expected: true,
		},
		{
			name:       "invalid bearer token",
			authHeader: "Bearer invalid-token",
			expected:   false,
		},
		{
			name:       "basic auth is not a token",
			authHeader: "Basic dmFsaWQtdG9rZW4=",
			expected:   false,
		},
		{
			name:     "invalid X-API-Token",
			apiToken: "invalid-token",
			expected: false,
		},
		{
			name:     "empty headers",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(nil)
			c.Request = &http.Request{Header: make(http.Header)}
			if tt.authHeader != "" {
				c.Request.Header.Set("Authorization", tt.authHeader)
			}
			if tt.apiToken != "" {
				c.Request.Header.Set("X-API-Token", tt.apiToken)
			}
			result := validator.validateAPIToken(c)
			assert.Equal(t, tt.expected, result)
		})
	}
}
