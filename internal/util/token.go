package util

import "net"

// IsToken reports whether s is a SIP token (RFC 3261 token character class).
func IsToken[T ~string](s T) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '!', c == '%', c == '*', c == '_',
		c == '+', c == '`', c == '\'', c == '~':
		return true
	}
	return false
}

// IsHost reports whether s is a valid hostname, IPv4 or IPv6 reference.
func IsHost[T ~string](s T) bool {
	if len(s) == 0 {
		return false
	}
	if s[0] == '[' && s[len(s)-1] == ']' {
		return net.ParseIP(string(s[1 : len(s)-1])) != nil
	}
	if ip := net.ParseIP(string(s)); ip != nil {
		return true
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '-', c == '.':
		default:
			return false
		}
	}
	return s[0] != '-' && s[len(s)-1] != '-'
}

// IsQuoted reports whether s is a double-quoted string.
func IsQuoted[T ~string](s T) bool {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return false
	}
	for i := 1; i < len(s)-1; i++ {
		if s[i] == '"' && s[i-1] != '\\' {
			return false
		}
	}
	return true
}
