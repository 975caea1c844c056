// Package identity maps the network address of a connecting peer to the
// display name it is allowed to chat under.
package identity

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// LocalIdentity is granted to loopback peers when the loopback override is on.
const LocalIdentity = "LocalDev"

// MaxIdentityLength bounds display names; it matches the username column of
// the message log.
const MaxIdentityLength = 50

var validate = validator.New()

type entry struct {
	Address  string `validate:"required,ip"`
	Identity string `validate:"required,max=50"`
}

// Resolver is an immutable address -> identity table plus the loopback
// override flag. It is safe for concurrent use.
type Resolver struct {
	table         map[netip.Addr]string
	allowLoopback bool
}

// NewResolver validates and normalizes the provided table. The map passed in
// is copied, later changes to it are not observed.
func NewResolver(table map[string]string, allowLoopback bool) (*Resolver, error) {
	r := &Resolver{
		table:         make(map[netip.Addr]string, len(table)),
		allowLoopback: allowLoopback,
	}
	for address, name := range table {
		e := entry{Address: strings.TrimSpace(address), Identity: strings.TrimSpace(name)}
		if err := validate.Struct(e); err != nil {
			return nil, fmt.Errorf("authorized user %q=%q: %w", address, name, err)
		}
		addr, ok := parseAddr(e.Address)
		if !ok {
			return nil, fmt.Errorf("authorized user %q: invalid address", address)
		}
		r.table[addr] = e.Identity
	}
	return r, nil
}

// Resolve returns the identity bound to addr. A false result means the peer
// is not authorized.
func (r *Resolver) Resolve(addr string) (string, bool) {
	if r == nil {
		return "", false
	}
	ip, ok := parseAddr(addr)
	if !ok {
		return "", false
	}
	if r.allowLoopback && ip.IsLoopback() {
		return LocalIdentity, true
	}
	name, ok := r.table[ip]
	return name, ok
}

// ResolveRemote is Resolve for a "host:port" string such as
// http.Request.RemoteAddr. A bare host is accepted as well.
func (r *Resolver) ResolveRemote(remoteAddr string) (string, bool) {
	return r.Resolve(Host(remoteAddr))
}

// AllowLoopback reports whether the loopback override is enabled.
func (r *Resolver) AllowLoopback() bool {
	return r != nil && r.allowLoopback
}

// Addresses lists the table's addresses in sorted order.
func (r *Resolver) Addresses() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.table))
	for addr := range r.table {
		out = append(out, addr.String())
	}
	sort.Strings(out)
	return out
}

// Host strips the port from remoteAddr when there is one.
func Host(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return strings.Trim(remoteAddr, "[]")
}

// ParseTable parses "addr=name" pairs separated by commas, the format used by
// CHAT_AUTHORIZED_USERS. Empty pairs are skipped.
func ParseTable(s string) (map[string]string, error) {
	table := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		address, name, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("authorized user %q: expected addr=name", pair)
		}
		address = strings.TrimSpace(address)
		if _, dup := table[address]; dup {
			return nil, fmt.Errorf("authorized user %q: duplicate address", address)
		}
		table[address] = strings.TrimSpace(name)
	}
	return table, nil
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}
