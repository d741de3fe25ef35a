package client

import (
	"github.com/pkg/errors"

	"poolrpc/registry"
)

// Kind classifies why an Invoke failed.
type Kind int

const (
	DiscoveryUnavailable Kind = iota + 1 // the Directory could not be queried
	ServiceNotFound                      // the Directory knows no provider
	ConnectTimeout                       // no link came up within the connect grace
	Transport                            // the link failed during the call
	Remote                               // the provider answered with an error
)

var (
	ErrDiscoveryUnavailable = registry.ErrDiscoveryUnavailable
	ErrServiceNotFound      = errors.New("service not found")
	ErrConnectTimeout       = errors.New("no available service")
	ErrTransport            = errors.New("transport failure")
	ErrRemote               = errors.New("remote error")

	// ErrClientClosed is returned by Invoke after Close.
	ErrClientClosed = errors.New("client: closed")
)

func (k Kind) String() string {
	switch k {
	case DiscoveryUnavailable:
		return "discovery unavailable"
	case ServiceNotFound:
		return "service not found"
	case ConnectTimeout:
		return "connect timeout"
	case Transport:
		return "transport"
	case Remote:
		return "remote"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case DiscoveryUnavailable:
		return ErrDiscoveryUnavailable
	case ServiceNotFound:
		return ErrServiceNotFound
	case ConnectTimeout:
		return ErrConnectTimeout
	case Transport:
		return ErrTransport
	case Remote:
		return ErrRemote
	}
	return nil
}

// InvokeError is the error returned by Invoke. errors.Is matches it against
// the sentinel of its Kind, e.g. errors.Is(err, ErrServiceNotFound).
type InvokeError struct {
	Kind    Kind
	Service string
	Reason  string
	Err     error // underlying failure, if any
}

func newInvokeError(kind Kind, service, reason string, err error) *InvokeError {
	return &InvokeError{Kind: kind, Service: service, Reason: reason, Err: err}
}

func (e *InvokeError) Error() string {
	msg := e.Service + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Cause implements the pkg/errors causer interface.
func (e *InvokeError) Cause() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind.sentinel()
}

func (e *InvokeError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Temporary reports whether trying again later may succeed.
func (e *InvokeError) Temporary() bool {
	switch e.Kind {
	case ConnectTimeout, Transport, DiscoveryUnavailable:
		return true
	}
	return false
}

// KindOf returns the Kind of an InvokeError anywhere in err's chain, or 0.
func KindOf(err error) Kind {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return 0
}
