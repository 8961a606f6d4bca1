package avurl

import "strings"

// join reassembles split parts. split followed by join must reproduce the
// original input exactly; Parse relies on the roundtrip as its sanity check.
func join(schema, userinfo, host, port, path string, md meta) string {
	return schema + colon(md.hasSchema) + strings.Repeat("/", md.slashNum) +
		userinfo + atSign(md.hasAtSign) +
		bracketed(host, md.hasBrks) + colon(md.hasPort) + port +
		md.junk + path
}

func colon(b bool) string {
	if b {
		return ":"
	}
	return ""
}

func atSign(b bool) string {
	if b {
		return "@"
	}
	return ""
}

func bracketed(host string, brks bool) string {
	if brks {
		return "[" + host + "]"
	}
	return host
}
