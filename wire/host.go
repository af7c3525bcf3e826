package wire

import "fmt"

// Host 聊天服务所在的站点域
type Host int

const (
	// HostStackOverflow stackoverflow.com
	HostStackOverflow Host = iota
	// HostStackExchange stackexchange.com
	HostStackExchange
	// HostMetaStackExchange meta.stackexchange.com
	HostMetaStackExchange
)

// LoginHosts are the realms that cooperate on authentication. Logging
// in to each of them yields cookies valid for every chat host.
var LoginHosts = []Host{HostStackOverflow, HostMetaStackExchange}

// Domain returns the site domain of the host.
func (h Host) Domain() string {
	switch h {
	case HostStackOverflow:
		return "stackoverflow.com"
	case HostStackExchange:
		return "stackexchange.com"
	case HostMetaStackExchange:
		return "meta.stackexchange.com"
	}
	return fmt.Sprintf("<invalid host %d>", int(h))
}

// ChatDomain returns the chat domain of the host.
func (h Host) ChatDomain() string {
	return "chat." + h.Domain()
}

// URL returns the https URL of the site.
func (h Host) URL() string {
	return "https://" + h.Domain()
}

// ChatURL returns the https URL of the chat host.
func (h Host) ChatURL() string {
	return "https://" + h.ChatDomain()
}

// HostForDomain maps a site domain back to a Host.
func HostForDomain(domain string) (Host, bool) {
	for _, h := range []Host{HostStackOverflow, HostStackExchange, HostMetaStackExchange} {
		if h.Domain() == domain {
			return h, true
		}
	}
	return 0, false
}
