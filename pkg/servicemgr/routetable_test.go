package servicemgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func s1Table() *RouteTable {
	return NewRouteTable([]RouteEntry{
		{Host: "example.com", Path: "/api/v1", Upstream: Upstream{IP: "172.28.0.11", ServicePort: 80}},
		{Host: "example.com", Path: "/api", Upstream: Upstream{IP: "172.28.0.12", ServicePort: 80}},
		{Host: "example.com", Path: "/", Upstream: Upstream{IP: "172.28.0.10", ServicePort: 80}},
	})
}

func TestResolveLongestPrefixRouting(t *testing.T) {
	tbl := s1Table()

	cases := []struct {
		path string
		ip   string
	}{
		{"/api", "172.28.0.12"},
		{"/api/v1/users", "172.28.0.11"},
		{"/dashboard", "172.28.0.10"},
		{"/api-v2", "172.28.0.10"},
		{"/api/", "172.28.0.12"},
		{"", "172.28.0.10"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			up, ok := tbl.Resolve("example.com", tc.path)
			if assert.True(t, ok) {
				assert.Equal(t, tc.ip, up.IP)
			}
		})
	}
}

func TestResolveUnknownHostReturnsFalse(t *testing.T) {
	tbl := s1Table()
	_, ok := tbl.Resolve("unknown.test", "/")
	assert.False(t, ok)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/", NormalizePath(""))
	assert.Equal(t, "/", NormalizePath("/"))
	assert.Equal(t, "/api", NormalizePath("/api/"))
	assert.Equal(t, "/api", NormalizePath("api"))
	assert.Equal(t, "/api", NormalizePath("/api"))
}
