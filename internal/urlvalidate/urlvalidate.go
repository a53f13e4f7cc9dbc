// Package urlvalidate validates and sanitizes URLs carried in plugin
// packets (e.g. an "open-on-remote" request) before they are acted on,
// rejecting forms that could be used to reach loopback, private, or cloud
// metadata addresses. Host literal classification follows the same
// net/netip facility the corresponding admission webhook in the broader
// example pack uses for CIDR and address validation.
package urlvalidate

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

const maxURLBytes = 2048

// allowedSchemes is the lower-cased scheme allowlist.
var allowedSchemes = map[string]struct{}{
	"http":   {},
	"https":  {},
	"mailto": {},
	"tel":    {},
	"geo":    {},
	"sms":    {},
	"smsto":  {},
}

// hostBlocklist rejects localhost aliases, 0.0.0.0, and documented cloud
// metadata addresses regardless of literal-vs-name form. The reason string
// names the SSRF-relevant concern (cloud metadata endpoint, loopback alias)
// rather than just echoing the host back.
var hostBlocklist = map[string]string{
	"localhost":                "loopback hostname alias",
	"0.0.0.0":                  "unspecified address",
	"169.254.169.254":          "cloud instance metadata endpoint (SSRF target)",
	"metadata":                 "cloud instance metadata hostname (SSRF target)",
	"metadata.google.internal": "GCP instance metadata endpoint (SSRF target)",
	"::1":                      "loopback address",
	"[::1]":                    "loopback address",
}

// blockedPorts is the documented blocklist of common internal-service
// ports; a URL naming one of these explicitly is rejected.
var blockedPorts = map[string]struct{}{
	"22": {}, "23": {}, "25": {}, "110": {}, "143": {}, "445": {},
	"1433": {}, "1521": {}, "3306": {}, "3389": {}, "5432": {}, "5900": {},
	"6379": {}, "8080": {}, "8443": {}, "9200": {}, "27017": {},
}

// ErrorCode classifies why a URL was rejected.
type ErrorCode string

const (
	CodeEmpty            ErrorCode = "empty"
	CodeTooLong          ErrorCode = "too_long"
	CodeControlChar      ErrorCode = "control_char"
	CodeUnparseable      ErrorCode = "unparseable"
	CodeSchemeNotAllowed ErrorCode = "scheme_not_allowed"
	CodeUserInfo         ErrorCode = "user_info"
	CodeHostMissing      ErrorCode = "host_missing"
	CodeHostTooLong      ErrorCode = "host_too_long"
	CodeHostBlocked      ErrorCode = "host_blocked"
	CodePrivateAddress   ErrorCode = "private_address"
	CodeBlockedPort      ErrorCode = "blocked_port"
)

// ValidationError reports why a URL failed validation.
type ValidationError struct {
	Code   ErrorCode
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func reject(code ErrorCode, reason string) error {
	return &ValidationError{Code: code, Reason: reason}
}

// Validate reports whether raw is an acceptable URL per the scheme
// allowlist, user-info prohibition, and — for http/https — host and port
// blocklists guarding against loopback, private, and metadata addresses.
func Validate(raw string) error {
	if raw == "" {
		return reject(CodeEmpty, "url is empty")
	}
	if len(raw) > maxURLBytes {
		return reject(CodeTooLong, "url exceeds 2048 bytes")
	}
	for _, r := range raw {
		if r == 0 || (r < 0x20 && r != '\t') || r == 0x7f {
			return reject(CodeControlChar, "url contains a disallowed control character")
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return reject(CodeUnparseable, err.Error())
	}

	scheme := strings.ToLower(u.Scheme)
	if _, ok := allowedSchemes[scheme]; !ok {
		return reject(CodeSchemeNotAllowed, fmt.Sprintf("scheme %q is not in the allowlist", u.Scheme))
	}

	if u.User != nil {
		return reject(CodeUserInfo, "url must not carry user-info")
	}

	if scheme != "http" && scheme != "https" {
		return nil
	}

	return validateHTTPHost(u)
}

func validateHTTPHost(u *url.URL) error {
	host := u.Hostname()
	if host == "" {
		return reject(CodeHostMissing, "http(s) url must name a host")
	}
	if len(host) > 253 {
		return reject(CodeHostTooLong, "host exceeds 253 bytes")
	}

	lowered := strings.ToLower(host)
	if reason, blocked := hostBlocklist[lowered]; blocked {
		return reject(CodeHostBlocked, fmt.Sprintf("host %q is blocked: %s", host, reason))
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if err := validateAddrNotPrivate(addr); err != nil {
			return err
		}
	}

	if port := u.Port(); port != "" {
		if _, blocked := blockedPorts[port]; blocked {
			return reject(CodeBlockedPort, fmt.Sprintf("port %s is blocked", port))
		}
	}

	return nil
}

func validateAddrNotPrivate(addr netip.Addr) error {
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.As4()
		switch {
		case a4[0] == 127: // 127/8
			return reject(CodePrivateAddress, "loopback address")
		case a4[0] == 10: // 10/8
			return reject(CodePrivateAddress, "private address (10/8)")
		case a4[0] == 172 && a4[1] >= 16 && a4[1] <= 31: // 172.16/12
			return reject(CodePrivateAddress, "private address (172.16/12)")
		case a4[0] == 192 && a4[1] == 168: // 192.168/16
			return reject(CodePrivateAddress, "private address (192.168/16)")
		case a4[0] == 169 && a4[1] == 254: // 169.254/16
			return reject(CodePrivateAddress, "link-local address (169.254/16)")
		case a4[0] == 100 && a4[1] >= 64 && a4[1] <= 127: // 100.64/10
			return reject(CodePrivateAddress, "carrier-grade NAT address (100.64/10)")
		case a4[0] == 0: // 0/8
			return reject(CodePrivateAddress, "unspecified address (0/8)")
		}
		return nil
	}

	if addr.Is6() {
		switch {
		case addr.IsLoopback():
			return reject(CodePrivateAddress, "loopback address")
		case addr.IsLinkLocalUnicast():
			return reject(CodePrivateAddress, "link-local address")
		case isUniqueLocal(addr):
			return reject(CodePrivateAddress, "unique-local address (fc00::/7)")
		case isSiteLocal(addr):
			return reject(CodePrivateAddress, "site-local address (fec0::/10)")
		}
	}
	return nil
}

func isUniqueLocal(addr netip.Addr) bool {
	b := addr.As16()
	return b[0]&0xfe == 0xfc
}

func isSiteLocal(addr netip.Addr) bool {
	b := addr.As16()
	return b[0] == 0xfe && b[1]&0xc0 == 0xc0
}

// Sanitize returns raw rebuilt from scheme/host/port/path/query/fragment,
// dropping any user-info, iff Validate(raw) succeeds.
func Sanitize(raw string) (string, error) {
	if err := Validate(raw); err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", reject(CodeUnparseable, err.Error())
	}
	rebuilt := &url.URL{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     u.Host,
		Path:     u.Path,
		RawQuery: u.RawQuery,
		Fragment: u.Fragment,
		Opaque:   u.Opaque,
	}
	return rebuilt.String(), nil
}
