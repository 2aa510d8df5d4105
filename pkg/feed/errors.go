package feed

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrConfigInvalid marks a source or poller configuration problem. Fatal to
// the specific poller until reconfigured.
var ErrConfigInvalid = errors.New("invalid feed configuration")

// FatalError marks a failure that retrying cannot fix (transport security
// rejection, unsupported scheme). A poller stops immediately on one of
// these regardless of its error ceiling.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal feed error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal feed error: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }

// DecodeError marks a response that was received but could not be decoded.
// The batch is discarded, the error counted, and polling continues.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failure from %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StatusError marks a non-200 HTTP response.
type StatusError struct {
	Source     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Source, e.StatusCode, e.Body)
}

// IsFatal reports whether an error is permanently fatal to its poller.
// TLS handshake and certificate verification failures qualify: retrying a
// server that rejects the scheme or the trust chain cannot help.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	if errors.Is(err, ErrConfigInvalid) {
		return true
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		certInvalid      x509.CertificateInvalidError
		hostname         x509.HostnameError
		recordHeader     tls.RecordHeaderError
	)
	if errors.As(err, &unknownAuthority) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &hostname) ||
		errors.As(err, &recordHeader) {
		return true
	}
	var verifyErr *tls.CertificateVerificationError
	return errors.As(err, &verifyErr)
}

// IsDecode reports whether an error is a protocol decode failure.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
