// Package handshake implements the HTTP Upgrade exchange that promotes a
// plain TCP connection to the wirehub frame protocol. Failures happen before
// the protocol is established, so rejected connections get a plain socket
// close and never see a wire frame.
package handshake

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// acceptGUID is the fixed GUID from RFC 6455 Section 4.2.2.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	maxHeaderLines = 64
	maxLineBytes   = 4096
)

var (
	ErrMalformedRequest = errors.New("handshake: malformed HTTP request")
	ErrNotGet           = errors.New("handshake: method must be GET")
	ErrMissingUpgrade   = errors.New("handshake: missing Upgrade: websocket header")
	ErrMissingConnToken = errors.New("handshake: Connection header lacks Upgrade token")
	ErrBadVersion       = errors.New("handshake: Sec-WebSocket-Version must be 13")
	ErrMissingKey       = errors.New("handshake: missing Sec-WebSocket-Key")
)

// Request holds the parsed Upgrade request. It exists only between the first
// bytes of a connection and the 101 response; callers keep what they need
// (path, origin) on their own connection record.
type Request struct {
	Path    string
	Key     string
	Origin  string
	headers map[string]string
}

// Header returns a header value by case-insensitive name.
func (r *Request) Header(name string) string {
	return r.headers[strings.ToLower(name)]
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Parse reads and validates an Upgrade request from r. The reader is left
// positioned at the first byte after the request's blank line.
func Parse(r *bufio.Reader) (*Request, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.1") {
		return nil, ErrMalformedRequest
	}
	if parts[0] != "GET" {
		return nil, ErrNotGet
	}

	req := &Request{
		Path:    parts[1],
		headers: make(map[string]string),
	}
	for i := 0; i < maxHeaderLines; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return req.validate()
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, ErrMalformedRequest
		}
		req.headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return nil, ErrMalformedRequest
}

func (r *Request) validate() (*Request, error) {
	if !strings.EqualFold(r.Header("Upgrade"), "websocket") {
		return nil, ErrMissingUpgrade
	}
	if !hasToken(r.Header("Connection"), "upgrade") {
		return nil, ErrMissingConnToken
	}
	if r.Header("Sec-WebSocket-Version") != "13" {
		return nil, ErrBadVersion
	}
	r.Key = r.Header("Sec-WebSocket-Key")
	if r.Key == "" {
		return nil, ErrMissingKey
	}
	r.Origin = r.Header("Origin")
	return r, nil
}

// WriteAccept writes the 101 Switching Protocols response for the given
// client key.
func WriteAccept(w io.Writer, key string) error {
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: %s\r\n\r\n",
		AcceptKey(key))
	return err
}

// Upgrade performs the full server-side exchange on a raw connection:
// parse, validate, and answer 101. On error nothing has been written and the
// caller should close the socket without a frame.
func Upgrade(r *bufio.Reader, w io.Writer) (*Request, error) {
	req, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if err := WriteAccept(w, req.Key); err != nil {
		return nil, err
	}
	return req, nil
}

// hasToken reports whether a comma-separated header value contains the token
// (case-insensitive). The Connection header is a token list, for example
// "keep-alive, Upgrade".
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", ErrMalformedRequest
	}
	if len(line) > maxLineBytes {
		return "", ErrMalformedRequest
	}
	return strings.TrimRight(line, "\r\n"), nil
}
