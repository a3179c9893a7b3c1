package servicemgr

import (
	"sort"
	"strings"
)

// Upstream is where a matched route forwards traffic.
type Upstream struct {
	IP          string
	ServicePort int
}

type route struct {
	prefix   string
	upstream Upstream
}

// RouteTable is an immutable, per-generation host→routes index. Reads
// need no locking because a generation never mutates its table after
// construction.
type RouteTable struct {
	byHost map[string][]route
}

// NewRouteTable builds a table from (host, path, upstream) triples,
// normalizing paths and sorting each host's routes by descending
// prefix length so Resolve can return the first match.
func NewRouteTable(entries []RouteEntry) *RouteTable {
	byHost := make(map[string][]route)
	for _, e := range entries {
		p := NormalizePath(e.Path)
		byHost[e.Host] = append(byHost[e.Host], route{prefix: p, upstream: e.Upstream})
	}
	for host := range byHost {
		rs := byHost[host]
		sort.SliceStable(rs, func(i, j int) bool {
			return len(rs[i].prefix) > len(rs[j].prefix)
		})
		byHost[host] = rs
	}
	return &RouteTable{byHost: byHost}
}

// RouteEntry is one declared route prior to table construction.
type RouteEntry struct {
	Host     string
	Path     string
	Upstream Upstream
}

// NormalizePath collapses "", "/", "api", "/api/" and "/api" to a single
// canonical form/testable-property.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

// Resolve returns the longest matching prefix route for host+path, or
// false if no host or no matching prefix exists.
func (t *RouteTable) Resolve(host, path string) (Upstream, bool) {
	path = NormalizePath(path)
	routes, ok := t.byHost[host]
	if !ok {
		return Upstream{}, false
	}
	for _, r := range routes {
		if path == r.prefix {
			return r.upstream, true
		}
		if strings.HasPrefix(path, r.prefix) {
			// Root "/" is a boundary match against any continuation.
			if r.prefix == "/" {
				return r.upstream, true
			}
			rest := path[len(r.prefix):]
			if strings.HasPrefix(rest, "/") {
				return r.upstream, true
			}
		}
	}
	return Upstream{}, false
}
