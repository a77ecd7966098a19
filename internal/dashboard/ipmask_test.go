package dashboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskIP(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"192.168.1.77", "192.168.1.xx"},
		{"10.0.0.5", "10.0.0.x"},
		{"203.0.113.254", "203.0.113.xxx"},
		{"2001:db8:85a3:0:0:8a2e:370:7334", "2001:db8:85a3:0:0:8a2e:370:xxxx"},
		{"fe80:0:0:0:0:0:0:1", "fe80:0:0:0:0:0:0:x"},
		// Too few segments to treat as IPv6, left untouched
		{"::1", "::1"},
		{"not-an-ip", "not-an-ip"},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MaskIP(c.in), c.in)
	}
}
