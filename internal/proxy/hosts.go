package proxy

import (
	"net/url"
	"strconv"
	"strings"
)

// hostRule is one parsed allow-list entry: an exact host, a `*.suffix`
// wildcard, or the blanket `*`. An entry may pin a port.
type hostRule struct {
	host     string
	port     int // 0 = any
	wildcard bool
	any      bool
}

// AllowList answers whether a proxy target may be contacted. Built once at
// startup from proxy_allowed_hosts; an empty list refuses everything.
type AllowList struct {
	rules []hostRule
}

func NewAllowList(entries []string) *AllowList {
	al := &AllowList{}
	for _, entry := range entries {
		if rule, ok := parseHostEntry(entry); ok {
			al.rules = append(al.rules, rule)
		}
	}
	return al
}

// Empty reports whether no usable entries were configured, which disables
// proxying entirely.
func (al *AllowList) Empty() bool {
	return len(al.rules) == 0
}

// AllowsURL parses target and applies Allows to its host and effective port.
// Only http and https targets are ever allowed.
func (al *AllowList) AllowsURL(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	port := effectivePort(u)
	return al.Allows(host, port)
}

func (al *AllowList) Allows(host string, port int) bool {
	host = strings.ToLower(host)
	for _, rule := range al.rules {
		if rule.any {
			return true
		}
		if rule.wildcard {
			if strings.HasSuffix(host, "."+rule.host) && (rule.port == 0 || rule.port == port) {
				return true
			}
			continue
		}
		if host == rule.host && (rule.port == 0 || rule.port == port) {
			return true
		}
	}
	return false
}

func parseHostEntry(entry string) (hostRule, bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return hostRule{}, false
	}
	if entry == "*" {
		return hostRule{any: true}, true
	}
	wildcard := false
	if strings.HasPrefix(entry, "*.") {
		wildcard = true
		entry = entry[2:]
	}
	// Tolerate scheme-qualified entries like https://api.example.com.
	raw := entry
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return hostRule{}, false
	}
	port := 0
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return hostRule{host: strings.ToLower(u.Hostname()), port: port, wildcard: wildcard}, true
}

func effectivePort(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
