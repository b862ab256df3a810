package database

import (
	"context"
	"database/sql/driver"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Transience classifies engine errors the router may retry once after
// disposing the cached engine.
type Transience int

const (
	NotTransient Transience = iota
	// ConnectivityTimeout covers login/handshake timeouts (SQLSTATE HYT00
	// and friends). Surfaces as a gateway timeout when the retry also fails.
	ConnectivityTimeout
	// ConnectionLost covers dropped connections (SQLSTATE 08S01, network
	// resets). Surfaces as a bad gateway when the retry also fails.
	ConnectionLost
)

// Classify inspects an engine error and reports whether it is worth one
// retry on a fresh engine.
func Classify(err error) Transience {
	if err == nil {
		return NotTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ConnectivityTimeout
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ConnectionLost
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ConnectivityTimeout
		}
		return ConnectionLost
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "HYT00"), strings.Contains(msg, "Login timeout"):
		return ConnectivityTimeout
	case strings.Contains(msg, "08S01"),
		strings.Contains(msg, "TCP Provider"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "server closed the connection"),
		strings.Contains(msg, "invalid connection"):
		return ConnectionLost
	}
	return NotTransient
}
