package value

import (
	"fmt"
	"net/url"
)

// URI is a resource identifier in its decomposed form.
type URI struct {
	Scheme    string
	Authority string
	Path      string
	Query     string
	Fragment  string
}

func ParseURI(s string) (URI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return URI{}, fmt.Errorf("invalid uri %q: %w", s, err)
	}
	return URI{
		Scheme:    u.Scheme,
		Authority: u.Host,
		Path:      u.Path,
		Query:     u.RawQuery,
		Fragment:  u.Fragment,
	}, nil
}

func (u URI) String() string {
	return (&url.URL{
		Scheme:   u.Scheme,
		Host:     u.Authority,
		Path:     u.Path,
		RawQuery: u.Query,
		Fragment: u.Fragment,
	}).String()
}
