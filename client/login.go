package client

import (
	"errors"
	"fmt"

	"github.com/gosechat/wire"
)

// Login errors.
var (
	// ErrAlreadyLoggedIn the client is already logged in
	ErrAlreadyLoggedIn = errors.New("client: already logged in")
	// ErrLoginDataNotFound the anti-forgery token scrape failed
	ErrLoginDataNotFound = errors.New("client: login fkey not found")
)

// LoginError is returned when a realm rejects the credentials.
type LoginError struct {
	Host    wire.Host
	Message string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("client: login to %s failed: %s", e.Host.Domain(), e.Message)
}

// Login performs the login handshake against every cooperating realm:
// fetch the login page, scrape the fkey from its hidden inputs, POST
// the credentials, and verify that the realm set its authentication
// cookie.
func (c *Client) Login(email, password string) error {
	if c.LoggedIn {
		return ErrAlreadyLoggedIn
	}
	c.log.Info("logging in")

	for _, host := range wire.LoginHosts {
		loginURL := fmt.Sprintf("https://%s/users/login", host.Domain())

		page, _, err := c.Get(loginURL)
		if err != nil {
			return err
		}
		fkey, ok := HiddenInputs(page)["fkey"]
		if !ok {
			return ErrLoginDataNotFound
		}

		body, _, err := c.PostForm(loginURL, map[string]string{
			"email":    email,
			"password": password,
			"fkey":     fkey,
		})
		if err != nil {
			return err
		}

		// Success manifests as the realm's auth cookie, not a status.
		if !c.jar.Contains("acct", host.Domain()) {
			return &LoginError{Host: host, Message: firstLine(body)}
		}
		c.log.Infof("logged in to %s", host.Domain())
	}

	c.LoggedIn = true
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
		if i > 200 {
			return s[:i] + "..."
		}
	}
	return s
}
