package proto

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"strconv"
)

// validMethods contains the set of HTTP methods that are considered valid.
var validMethods = map[string]bool{
	"DELETE":      true,
	"GET":         true,
	"HEAD":        true,
	"POST":        true,
	"PUT":         true,
	"CONNECT":     true,
	"OPTIONS":     true,
	"TRACE":       true,
	"COPY":        true,
	"LOCK":        true,
	"MKCOL":       true,
	"MOVE":        true,
	"PROPFIND":    true,
	"PROPPATCH":   true,
	"SEARCH":      true,
	"UNLOCK":      true,
	"BIND":        true,
	"REBIND":      true,
	"UNBIND":      true,
	"ACL":         true,
	"REPORT":      true,
	"MKACTIVITY":  true,
	"CHECKOUT":    true,
	"MERGE":       true,
	"M-SEARCH":    true,
	"NOTIFY":      true,
	"SUBSCRIBE":   true,
	"UNSUBSCRIBE": true,
	"PATCH":       true,
	"PURGE":       true,
	"MKCALENDAR":  true,
	"LINK":        true,
	"UNLINK":      true,
}

var headerTerminator = []byte("\r\n\r\n")

// HeaderEnd returns the index just past the request-head terminator in buf,
// or -1 when the head is not complete yet.
func HeaderEnd(buf []byte) int {
	i := bytes.Index(buf, headerTerminator)
	if i < 0 {
		return -1
	}

	return i + len(headerTerminator)
}

// Request wraps the standard http.Request together with the raw bytes it was
// parsed from, so the original request can be replayed verbatim.
type Request struct {
	*http.Request

	raw []byte
}

// ParseRequest parses a complete request head from raw. raw must contain at
// least one full request head (see HeaderEnd); bytes past the head are kept
// in Raw but not interpreted.
func ParseRequest(raw []byte) (*Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, err
	}

	return &Request{Request: req, raw: raw}, nil
}

// Raw returns the original request bytes, untouched.
func (r *Request) Raw() []byte {
	return r.raw
}

// ExtractDomain returns the target host without port information.
func (r *Request) ExtractDomain() string {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		return r.Host
	}

	return host
}

// ExtractPort returns the target port, defaulting to 443 for CONNECT and 80
// otherwise.
func (r *Request) ExtractPort() (int, error) {
	_, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		if r.IsConnectMethod() {
			return 443, nil
		}

		return 80, nil
	}

	return strconv.Atoi(port)
}

// IsValidMethod returns true if the request method is a valid HTTP method.
func (r *Request) IsValidMethod() bool {
	return validMethods[r.Method]
}

// IsConnectMethod returns true if the request method is CONNECT.
func (r *Request) IsConnectMethod() bool {
	return r.Method == http.MethodConnect
}

// ConnEstablishedResponse is the synthetic tunnel-established response sent
// to the client after a CONNECT target is reachable.
func (r *Request) ConnEstablishedResponse() []byte {
	return []byte(r.Proto + " 200 Connection Established\r\n\r\n")
}

// BadGatewayResponse is written to the client when routing the request
// failed before any target bytes were exchanged.
func (r *Request) BadGatewayResponse() []byte {
	return []byte(r.Proto + " 502 Bad Gateway\r\n\r\n")
}
