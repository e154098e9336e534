// Package rid implements the resource identifier used to address every
// virtual resource: scheme://[user@]host[:port]/path.
package rid

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort marks an identifier without an explicit port.
const DefaultPort = -1

// ErrInvalid is returned for strings that are not resource identifiers.
var ErrInvalid = errors.New("invalid resource id")

// ID is an immutable resource identifier. The zero value is invalid.
// IDs are comparable and may be used as map keys.
type ID struct {
	Scheme   string
	UserInfo string
	Host     string
	Port     int
	Path     string
}

// New creates an identifier from its parts. A non-empty path is made
// absolute so that the result always parses back to the same parts.
func New(scheme, userInfo, host string, port int, path string) ID {
	if port <= 0 {
		port = DefaultPort
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return ID{
		Scheme:   strings.ToLower(scheme),
		UserInfo: userInfo,
		Host:     host,
		Port:     port,
		Path:     path,
	}
}

// FromPath creates a file:// identifier for a local path.
func FromPath(path string) ID {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return ID{Scheme: "file", Port: DefaultPort, Path: path}
}

// Parse parses the canonical textual form. The path is taken verbatim,
// so '#', '?' and '%' are ordinary path characters.
func Parse(s string) (ID, error) {
	i := strings.Index(s, "://")
	if i <= 0 {
		return ID{}, fmt.Errorf("%w: %q: missing scheme", ErrInvalid, s)
	}

	id := ID{Scheme: strings.ToLower(s[:i]), Port: DefaultPort}
	for _, c := range id.Scheme {
		if !isSchemeChar(c) {
			return ID{}, fmt.Errorf("%w: %q: bad scheme", ErrInvalid, s)
		}
	}

	rest := s[i+3:]
	authority := rest
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		authority, id.Path = rest[:j], rest[j:]
	}

	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		id.UserInfo, authority = authority[:at], authority[at+1:]
	}

	host, port, err := splitHostPort(authority)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	id.Host, id.Port = host, port
	return id, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func splitHostPort(hostport string) (string, int, error) {
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", 0, errors.New("unterminated IPv6 host")
		}
		host, tail := hostport[1:end], hostport[end+1:]
		if tail == "" {
			return host, DefaultPort, nil
		}
		if tail[0] != ':' {
			return "", 0, errors.New("garbage after IPv6 host")
		}
		port, err := parsePort(tail[1:])
		return host, port, err
	}

	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return hostport, DefaultPort, nil
	}
	port, err := parsePort(hostport[i+1:])
	return hostport[:i], port, err
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return port, nil
}

func isSchemeChar(c rune) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'
}

// String returns the canonical form.
func (id ID) String() string {
	var b strings.Builder
	b.WriteString(id.Scheme)
	b.WriteString("://")
	b.WriteString(id.Authority())
	b.WriteString(id.Path)
	return b.String()
}

// Authority returns [user@]host[:port].
func (id ID) Authority() string {
	var b strings.Builder
	if id.UserInfo != "" {
		b.WriteString(id.UserInfo)
		b.WriteByte('@')
	}
	if strings.IndexByte(id.Host, ':') >= 0 {
		b.WriteByte('[')
		b.WriteString(id.Host)
		b.WriteByte(']')
	} else {
		b.WriteString(id.Host)
	}
	if id.Port != DefaultPort {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(id.Port))
	}
	return b.String()
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// EffectivePort returns the explicit port or def when none is set.
func (id ID) EffectivePort(def int) int {
	if id.Port == DefaultPort {
		return def
	}
	return id.Port
}

// User returns the user name part of the user info, without a password.
func (id ID) User() string {
	if i := strings.IndexByte(id.UserInfo, ':'); i >= 0 {
		return id.UserInfo[:i]
	}
	return id.UserInfo
}

// CleanPath returns the path with trailing separators removed; the root
// is always "/".
func (id ID) CleanPath() string {
	p := strings.TrimRight(id.Path, "/")
	if p == "" {
		return "/"
	}
	return p
}

// Name returns the last path segment.
func (id ID) Name() string {
	p := id.CleanPath()
	if p == "/" {
		return id.Host
	}
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Child returns the identifier of name under id.
func (id ID) Child(name string) ID {
	c := id
	if strings.HasSuffix(id.Path, "/") {
		c.Path = id.Path + name
	} else {
		c.Path = id.Path + "/" + name
	}
	return c
}

// WithPath returns a copy of id with its path replaced.
func (id ID) WithPath(path string) ID {
	c := id
	c.Path = path
	return c
}

// Parent returns the identifier one level up. It reports false at "/".
func (id ID) Parent() (ID, bool) {
	p := id.CleanPath()
	if p == "/" {
		return ID{}, false
	}
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return id.WithPath("/"), true
	}
	return id.WithPath(p[:i]), true
}

// HasPathPrefix reports whether id's path equals prefix or lies under it
// on a separator boundary.
func (id ID) HasPathPrefix(prefix string) bool {
	p := id.CleanPath()
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Encode returns the query-safe form of id.
func Encode(id ID) string {
	return url.QueryEscape(id.String())
}

// Decode parses the output of Encode.
func Decode(s string) (ID, error) {
	raw, err := url.QueryUnescape(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Parse(raw)
}
