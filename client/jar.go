package client

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Jar 保存所有域的 cookie. It implements http.CookieJar, so net/http
// re-resolves the matching cookies on every redirect hop instead of
// carrying the origin host's Cookie header across hosts.
//
// Matching rule: a cookie whose domain is d applies to host h iff the
// dot-separated labels of d (leading dot stripped) are a right-aligned
// suffix of the labels of h. The jar holds at most one cookie per
// (name, matching-domain) pair; inserting a cookie whose name and
// domain overlap an existing entry replaces it.
type Jar struct {
	mu      sync.Mutex
	cookies []*http.Cookie
}

// NewJar creates an empty cookie jar.
func NewJar() *Jar {
	return &Jar{}
}

// MatchDomain reports whether a cookie with the given domain applies
// to the given request host.
func MatchDomain(host, domain string) bool {
	hostFields := strings.Split(host, ".")
	domainFields := strings.Split(domain, ".")
	if len(hostFields) == 0 || len(domainFields) == 0 {
		return false
	}
	if domainFields[0] == "" {
		domainFields = domainFields[1:]
	}

	hostIndex := len(hostFields) - 1
	for i := len(domainFields) - 1; i >= 0; i-- {
		if hostIndex < 0 {
			return false
		}
		if domainFields[i] != hostFields[hostIndex] {
			return false
		}
		hostIndex--
	}
	return true
}

// SetCookies adds the cookies set by a response from u.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.AddCookies(cookies, u.Hostname())
}

// AddCookies adds cookies set by the given host. A cookie without an
// explicit domain attribute belongs to the host that set it.
func (j *Jar) AddCookies(cookies []*http.Cookie, host string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range cookies {
		cookie := *c
		if cookie.Domain == "" {
			cookie.Domain = host
		}
		replaced := false
		for i, old := range j.cookies {
			if old.Name == cookie.Name && MatchDomain(host, old.Domain) {
				j.cookies[i] = &cookie
				replaced = true
				break
			}
		}
		if !replaced {
			j.cookies = append(j.cookies, &cookie)
		}
	}
}

// Cookies returns the cookies that apply to a request to u.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.CookiesForHost(u.Hostname())
}

// CookiesForHost returns the cookies that apply to the given host.
func (j *Jar) CookiesForHost(host string) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	var matched []*http.Cookie
	for _, c := range j.cookies {
		if MatchDomain(host, c.Domain) {
			matched = append(matched, c)
		}
	}
	return matched
}

// Contains reports whether the jar holds a cookie with the given name
// applying to the given host.
func (j *Jar) Contains(name, host string) bool {
	for _, c := range j.CookiesForHost(host) {
		if c.Name == name {
			return true
		}
	}
	return false
}
