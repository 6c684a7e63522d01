// Package servicenow provides the ServiceNow Table API client and the MCP
// tool table built on top of it.
package servicenow

import (
	"fmt"
	"time"
)

// AuthType discriminates the credential bundle variants.
type AuthType string

const (
	// AuthTypeBasic authenticates every request with a username/password
	// pair. The bundle is opaque to everything but the client itself.
	AuthTypeBasic AuthType = "basic"
)

// BasicAuthConfig carries a username/password pair.
type BasicAuthConfig struct {
	Username string
	Password string
}

// AuthConfig is the opaque credential bundle handed to the client.
type AuthConfig struct {
	Type  AuthType
	Basic *BasicAuthConfig
}

// Config configures a Client. Fields can be populated from the environment
// via envdecode in the caller.
type Config struct {
	// InstanceURL is the base URL of the ServiceNow instance, e.g.
	// "https://dev12345.service-now.com".
	InstanceURL string `env:"SERVICENOW_INSTANCE_URL"`
	Username    string `env:"SERVICENOW_USERNAME"`
	Password    string `env:"SERVICENOW_PASSWORD"`
	// Timeout bounds each API call.
	Timeout time.Duration `env:"SERVICENOW_TIMEOUT,default=30s"`
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	if c.InstanceURL == "" {
		return fmt.Errorf("instance URL is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

// Auth builds the credential bundle from the config.
func (c Config) Auth() AuthConfig {
	return AuthConfig{
		Type:  AuthTypeBasic,
		Basic: &BasicAuthConfig{Username: c.Username, Password: c.Password},
	}
}
