package crypto

import (
	"fmt"
	"net/url"
)

// Config identifies the application a Client talks to. Every cache owned by
// a Client is scoped to its Config.
type Config struct {
	// BaseURL is the key server base URL.
	BaseURL string

	// AppToken is the public application token issued by the key server.
	AppToken string
}

// Validate reports whether the config is usable.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL must not be empty", ErrInvalidConfig)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: base URL %q is not an absolute URL", ErrInvalidConfig, c.BaseURL)
	}
	if c.AppToken == "" {
		return fmt.Errorf("%w: app token must not be empty", ErrInvalidConfig)
	}
	return nil
}
