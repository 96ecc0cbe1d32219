// Package remote keeps pooled connections to remote authorities, such as a
// development server reached over TCP or WebSocket.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrUnknownAuthority = errors.New("unknown authority")

// ResolvedAuthority is where an authority can be reached.
type ResolvedAuthority struct {
	Host string
	Port int
}

func (r ResolvedAuthority) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// AuthorityResolver maps a symbolic authority, e.g. "ssh-remote+build-box",
// to a host and port.
type AuthorityResolver interface {
	Resolve(ctx context.Context, authority string) (ResolvedAuthority, error)
}

type ResolverFunc func(ctx context.Context, authority string) (ResolvedAuthority, error)

func (f ResolverFunc) Resolve(ctx context.Context, authority string) (ResolvedAuthority, error) {
	return f(ctx, authority)
}

// StaticResolver resolves from a fixed table.
type StaticResolver map[string]ResolvedAuthority

func (r StaticResolver) Resolve(ctx context.Context, authority string) (ResolvedAuthority, error) {
	resolved, ok := r[authority]
	if !ok {
		return ResolvedAuthority{}, fmt.Errorf("%w: %s", ErrUnknownAuthority, authority)
	}
	return resolved, nil
}

// AddressResolver treats the authority itself as host:port, after an
// optional "<scheme>+" prefix.
type AddressResolver struct{}

func (AddressResolver) Resolve(ctx context.Context, authority string) (ResolvedAuthority, error) {
	addr := authority
	if i := strings.IndexByte(addr, '+'); i >= 0 {
		addr = addr[i+1:]
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ResolvedAuthority{}, fmt.Errorf("%w: %s: %v", ErrUnknownAuthority, authority, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ResolvedAuthority{}, fmt.Errorf("%w: %s: invalid port", ErrUnknownAuthority, authority)
	}
	return ResolvedAuthority{Host: host, Port: port}, nil
}
