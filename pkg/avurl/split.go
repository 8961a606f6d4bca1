package avurl

import "strings"

// meta carries the separators seen during split so join can reproduce the
// input exactly. A failed roundtrip means the URL has a shape the splitter
// does not model.
type meta struct {
	hasSchema bool
	slashNum  int
	hasAtSign bool
	hasBrks   bool
	hasPort   bool
	junk      string // leftover bytes between ']' and the path
}

// split is a Go port of FFmpeg's av_url_split (libavformat/utils.c) without
// buffer-size truncation. Unlike the C version, the port is kept as a raw
// substring rather than atoi'd, so "123abc" survives for the validator to
// reject.
func split(url string) (schema, userinfo, host, port, path string, md meta) {
	var cursor int

	// Scheme: everything up to ':', then an optional "//".
	if colon := strings.IndexByte(url, ':'); colon != -1 {
		md.hasSchema = true
		schema = url[:colon]

		cursor = colon + 1
		for md.slashNum < 2 && cursor < len(url) && url[cursor] == '/' {
			cursor++
			md.slashNum++
		}
		if cursor == len(url) {
			return
		}
	} else {
		// No ':' at all: a plain path/filename.
		path = url
		return
	}

	// Path/query/fragment: from the first '/', '?' or '#' (inclusive).
	pathAt := cursor + strcspn(url[cursor:], "/?#")
	path = url[pathAt:]

	// Authority: [userinfo@]host[:port]. Empty when the cursor sits directly
	// on the path separator.
	if pathAt == cursor {
		return
	}

	// Userinfo runs up to the LAST '@' before the path.
	userinfoAt := cursor
	for {
		atRel := strings.IndexByte(url[cursor:pathAt], '@')
		if atRel == -1 {
			break
		}
		md.hasAtSign = true
		atAbs := cursor + atRel
		userinfo = url[userinfoAt:atAbs]
		cursor = atAbs + 1
		if cursor == len(url) {
			return
		}
	}

	if brkRel := strings.IndexByte(url[cursor:pathAt], ']'); brkRel != -1 && url[cursor] == '[' {
		// IPv6 literal: [host]:port
		md.hasBrks = true
		brkAbs := cursor + brkRel
		host = url[cursor+1 : brkAbs]
		cursor = brkAbs + 1

		if cursor == len(url) {
			return
		}
		if url[cursor] == ':' {
			md.hasPort = true
			port = url[cursor+1 : pathAt]
		} else if cursor != pathAt {
			md.junk = url[cursor:pathAt]
		}
	} else if colonRel := strings.IndexByte(url[cursor:pathAt], ':'); colonRel != -1 {
		// host:port
		md.hasPort = true
		colonAbs := cursor + colonRel
		host = url[cursor:colonAbs]
		port = url[colonAbs+1 : pathAt]
	} else {
		host = url[cursor:pathAt]
	}

	return
}

// strcspn returns the length of the initial segment of s containing none of
// the bytes in reject.
func strcspn(s, reject string) int {
	if idx := strings.IndexAny(s, reject); idx != -1 {
		return idx
	}
	return len(s)
}
