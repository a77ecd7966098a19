package dashboard

import "strings"

// MaskIP anonymises the host part of a client address. For IPv4 the last
// octet is replaced by an x per digit; for addresses with more than four
// segments (IPv6) only the final colon separated segment is masked.
func MaskIP(ip string) string {
	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) > 4 {
			parts[len(parts)-1] = strings.Repeat("x", len(parts[len(parts)-1]))
			return strings.Join(parts, ":")
		}
		return ip
	}

	parts := strings.Split(ip, ".")
	if len(parts) == 4 {
		parts[len(parts)-1] = strings.Repeat("x", len(parts[len(parts)-1]))
		return strings.Join(parts, ".")
	}
	return ip
}
