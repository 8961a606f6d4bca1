// Package avurl parses media URLs the way libavformat's av_url_split does.
// Ingest origins ("udp://239.0.0.1:5000", "rtp://[ff0e::1]:6000") follow AV
// conventions that net/url does not reproduce exactly, so validation runs on
// a faithful port of the AV splitter instead.
package avurl

import (
	"errors"
	"fmt"

	"github.com/edirooss/mswitch-server/pkg/hostutil"
)

// URL is a split media URL. Fields are raw substrings; nothing is unescaped.
type URL struct {
	Schema   string `json:"schema"`
	Userinfo string `json:"userinfo"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Path     string `json:"path"`
}

// Parse splits url and validates the host and port. Userinfo embedded in the
// URL is rejected; source origins carry no credentials.
func Parse(url string) (*URL, error) {
	schema, userinfo, host, port, path, md := split(url)

	// Invariant: the parts must re-join to the input byte for byte.
	if url != join(schema, userinfo, host, port, path, md) {
		return nil, errors.New("unable to parse URL")
	}

	if md.junk != "" {
		return nil, errors.New("invalid URL")
	}
	if md.hasAtSign {
		return nil, errors.New("userinfo should not be embedded in the URL")
	}

	if host != "" {
		if err := hostutil.ValidateHost(host); err != nil {
			return nil, err
		}
	}
	if port != "" && !isPort(port) {
		return nil, fmt.Errorf("bad port: '%s'", port)
	}

	return &URL{
		Schema:   schema,
		Userinfo: userinfo,
		Host:     host,
		Port:     port,
		Path:     path,
	}, nil
}

// RawParse splits url without host/port validation.
func RawParse(url string) (*URL, error) {
	schema, userinfo, host, port, path, md := split(url)

	if url != join(schema, userinfo, host, port, path, md) {
		return nil, errors.New("unable to parse URL")
	}

	return &URL{
		Schema:   schema,
		Userinfo: userinfo,
		Host:     host,
		Port:     port,
		Path:     path,
	}, nil
}
