package client

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gosechat/logger"
)

const defaultTimeout = 30 * time.Second

// Request errors surfaced by the transport.
var (
	// ErrInvalidURL the request URL could not be parsed
	ErrInvalidURL = errors.New("client: invalid URL")
	// ErrNotUTF8 the response body is not valid UTF-8
	ErrNotUTF8 = errors.New("client: response is not UTF-8")
	// ErrTimeout the request did not complete within the timeout
	ErrTimeout = errors.New("client: request timed out")
	// ErrUnknown an unclassified transport failure
	ErrUnknown = errors.New("client: unknown request error")
)

// Client 管理 HTTP 请求、cookie 和登录会话
type Client struct {
	jar  *Jar
	http *http.Client
	log  *logger.Logger

	// LoggedIn indicates whether Login has completed successfully.
	LoggedIn bool
}

// New creates a Client with an empty cookie jar and the default
// 30-second timeout.
func New() *Client {
	jar := NewJar()
	return &Client{
		jar: jar,
		http: &http.Client{
			Jar:     jar,
			Timeout: defaultTimeout,
		},
		log: logger.NewLogger("client"),
	}
}

// SetTimeout changes the request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.http.Timeout = d
}

// Jar returns the client's cookie jar, for sharing with the socket
// dialer.
func (c *Client) Jar() *Jar {
	return c.jar
}

func (c *Client) do(req *http.Request) (string, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return "", 0, ErrTimeout
		}
		return "", 0, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if !utf8.Valid(body) {
		return "", resp.StatusCode, ErrNotUTF8
	}
	return string(body), resp.StatusCode, nil
}

// Get performs a GET request and returns the response body and status.
func (c *Client) Get(rawurl string) (string, int, error) {
	if _, err := url.ParseRequestURI(rawurl); err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrInvalidURL, rawurl)
	}
	req, err := http.NewRequest(http.MethodGet, rawurl, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrInvalidURL, rawurl)
	}
	return c.do(req)
}

// Post performs a POST request with a raw body.
func (c *Client) Post(rawurl string, body []byte, contentType string) (string, int, error) {
	if _, err := url.ParseRequestURI(rawurl); err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrInvalidURL, rawurl)
	}
	req, err := http.NewRequest(http.MethodPost, rawurl, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrInvalidURL, rawurl)
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

// PostForm performs a POST request with urlencoded form fields.
func (c *Client) PostForm(rawurl string, fields map[string]string) (string, int, error) {
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	return c.Post(rawurl, []byte(form.Encode()), "application/x-www-form-urlencoded")
}

// HiddenInputs scrapes name/value pairs of hidden form inputs from an
// HTML page by raw substring search. The page is not parsed as HTML.
func HiddenInputs(page string) map[string]string {
	result := make(map[string]string)

	parts := strings.Split(page, `<input type="hidden"`)
	for _, input := range parts[1:] {
		nameStart := strings.Index(input, `name="`)
		if nameStart < 0 {
			continue
		}
		rest := input[nameStart+len(`name="`):]
		nameEnd := strings.Index(rest, `"`)
		if nameEnd < 0 {
			continue
		}
		name := rest[:nameEnd]

		valueStart := strings.Index(rest, `value="`)
		if valueStart < 0 {
			continue
		}
		rest = rest[valueStart+len(`value="`):]
		valueEnd := strings.Index(rest, `"`)
		if valueEnd < 0 {
			continue
		}

		result[name] = rest[:valueEnd]
	}
	return result
}
