package server

import "github.com/pkg/errors"

var (
	errConnClosed = errors.New("server: connection closed")
	errConnBusy   = errors.New("server: connection outbound queue full")
)
