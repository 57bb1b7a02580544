/*
Package errs provides the error type for the ingest client. It wraps all
errors returned across package boundaries so that callers can branch on
retriability without parsing strings. This borrows heavily from the Upspin
errors paper written by Rob Pike. See:
https://commandcenter.blogspot.com/2017/12/error-handling-in-upspin.html

Usage is to pass an Op, a Kind, and either a standard error to wrap or a
format string that becomes a string error.
*/
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Separator is the string used to join nested errors.
var Separator = ":\n\t"

// Op denotes the operation being performed when the error occurred.
type Op uint16

const (
	OpUnknown         Op = iota
	OpResourceFetch      // fetching containers/queues/tables/auth token
	OpUpload             // staging a local source into cloud storage
	OpStreamIngest       // posting to the streaming engine endpoint
	OpQueuedIngest       // posting a job descriptor to the DM endpoint
	OpStatusPoll         // reading the status table
	OpValidate           // client-side validation of sources/properties
)

func (o Op) String() string {
	switch o {
	case OpResourceFetch:
		return "ResourceFetch"
	case OpUpload:
		return "Upload"
	case OpStreamIngest:
		return "StreamIngest"
	case OpQueuedIngest:
		return "QueuedIngest"
	case OpStatusPoll:
		return "StatusPoll"
	case OpValidate:
		return "Validate"
	default:
		return "Unknown"
	}
}

// Kind classifies the error as one of the taxonomy's standard conditions (spec.md §7).
type Kind uint16

const (
	KOther Kind = iota

	// Configuration — permanent.
	KConfigurationUnavailable
	KNoContainers
	KNoQueues
	KNoStatusTable

	// Validation — permanent.
	KSourceEmpty
	KSourceNotReadable
	KSourceSizeLimitExceeded
	KFormatMismatch
	KDuplicateBlob
	KMultiIngestExceededLimit
	KUnsupportedSourceKind

	// Transport.
	KEndpointNotFound
	KServiceError
	KRequestError
	KCancelled
	KOperationTimeout
	KRequestTooLarge

	// Upload.
	KUploadFailed
)

func (k Kind) String() string {
	switch k {
	case KConfigurationUnavailable:
		return "ConfigurationUnavailable"
	case KNoContainers:
		return "NoContainers"
	case KNoQueues:
		return "NoQueues"
	case KNoStatusTable:
		return "NoStatusTable"
	case KSourceEmpty:
		return "SourceEmpty"
	case KSourceNotReadable:
		return "SourceNotReadable"
	case KSourceSizeLimitExceeded:
		return "SourceSizeLimitExceeded"
	case KFormatMismatch:
		return "FormatMismatch"
	case KDuplicateBlob:
		return "DuplicateBlob"
	case KMultiIngestExceededLimit:
		return "MultiIngestExceededLimit"
	case KUnsupportedSourceKind:
		return "UnsupportedSourceKind"
	case KEndpointNotFound:
		return "EndpointNotFound"
	case KServiceError:
		return "ServiceError"
	case KRequestError:
		return "RequestError"
	case KCancelled:
		return "Cancelled"
	case KOperationTimeout:
		return "OperationTimeout"
	case KRequestTooLarge:
		return "RequestTooLarge"
	case KUploadFailed:
		return "UploadFailed"
	default:
		return "Other"
	}
}

// permanentKinds never benefit from a retry, regardless of how they were constructed.
var permanentKinds = map[Kind]bool{
	KConfigurationUnavailable: true,
	KNoContainers:             true,
	KNoQueues:                 true,
	KNoStatusTable:            true,
	KSourceEmpty:              true,
	KSourceNotReadable:        true,
	KSourceSizeLimitExceeded:  true,
	KFormatMismatch:           true,
	KDuplicateBlob:            true,
	KMultiIngestExceededLimit: true,
	KUnsupportedSourceKind:    true,
	KRequestTooLarge:          true,
	KRequestError:             true,
}

// Error is the core error type for the ingest client.
type Error struct {
	Op   Op
	Kind Kind
	// Err is the wrapped underlying error, if any.
	Err error

	// permanent overrides the Kind-based default when set explicitly via SetPermanent/SetNoRetry.
	permanentSet bool
	permanent    bool

	// code/subCode/description carry the server's error envelope (§7 "engine-returned code/type").
	code        string
	subCode     string
	description string

	// restErrMsg holds the raw server error body for lazy @permanent parsing (HTTP-sourced errors).
	restErrMsg []byte

	inner *Error
}

func (e *Error) isZero() bool {
	return e == nil || (e.Op == OpUnknown && e.Kind == KOther && e.Err == nil)
}

// Unwrap implements the stdlib errors.Unwrap contract.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.inner == nil {
		return e.Err
	}
	return e.inner
}

func pad(b *strings.Builder, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(strings.Builder)
	if e.Op != OpUnknown {
		pad(b, ": ")
		b.WriteString(fmt.Sprintf("Op(%s)", e.Op))
	}
	if e.Kind != KOther {
		pad(b, ": ")
		b.WriteString(fmt.Sprintf("Kind(%s)", e.Kind))
	}
	if e.Err != nil {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
	inner := e.inner
	for inner != nil {
		pad(b, Separator)
		b.WriteString(inner.Error())
		inner = inner.inner
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// IsPermanent reports whether the error should NOT be retried (spec.md §7 isPermanent).
func (e *Error) IsPermanent() bool {
	if e == nil {
		return false
	}
	if e.permanentSet {
		return e.permanent
	}
	if e.Kind == KServiceError {
		if perm, ok := e.restPermanent(); ok {
			return perm
		}
	}
	return permanentKinds[e.Kind]
}

// restPermanent inspects the raw server envelope for an explicit "@permanent" flag.
func (e *Error) restPermanent() (bool, bool) {
	if len(e.restErrMsg) == 0 {
		return false, false
	}
	var envelope struct {
		Error struct {
			Permanent *bool `json:"@permanent"`
		} `json:"error"`
	}
	if err := json.Unmarshal(e.restErrMsg, &envelope); err != nil {
		return false, false
	}
	if envelope.Error.Permanent == nil {
		return false, false
	}
	return *envelope.Error.Permanent, true
}

// SetNoRetry marks the error permanent regardless of Kind, mirroring the teacher's
// errors.Error.SetNoRetry() used throughout kusto/ingest/internal/queued/queued.go.
func (e *Error) SetNoRetry() *Error {
	e.permanentSet = true
	e.permanent = true
	return e
}

// SetRetryable marks the error transient regardless of Kind.
func (e *Error) SetRetryable() *Error {
	e.permanentSet = true
	e.permanent = false
	return e
}

// WithCode attaches the server's diagnostic code/type/description triple (spec.md §7 user-visible behavior).
func (e *Error) WithCode(code, subCode, description string) *Error {
	e.code = code
	e.subCode = subCode
	e.description = description
	return e
}

func (e *Error) Code() string        { return e.code }
func (e *Error) SubCode() string     { return e.subCode }
func (e *Error) Description() string { return e.description }

// E constructs an *Error wrapping a non-nil error. Panics on a nil err, matching the teacher's errors.E.
func E(op Op, kind Kind, err error) *Error {
	if err == nil {
		panic("errs.E: err must not be nil")
	}
	if ie, ok := err.(*Error); ok {
		cp := *ie
		cp.Op = op
		cp.Kind = kind
		return &cp
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// ES constructs an *Error from a format string, matching the teacher's errors.ES.
func ES(op Op, kind Kind, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	if strings.TrimSpace(msg) == "" {
		panic("errs.ES: empty error string")
	}
	return &Error{Op: op, Kind: kind, Err: errors.New(msg)}
}

// W wraps outer around inner, preserving the errors.Is/As chain.
func W(inner *Error, outer *Error) *Error {
	outer.inner = inner
	return outer
}

// HTTP builds a KServiceError (or KRequestError, if the status demands it) from a
// non-2xx HTTP response, per spec.md §4.6/§4.7 failure classification: permanent on
// any 4xx other than 404, transient otherwise, unless the envelope's @permanent flag
// says otherwise; a body that does not parse as the error envelope is a permanent
// KRequestError; 404 is always a transient EndpointNotFound.
func HTTP(op Op, statusCode int, body []byte) *Error {
	if statusCode == 404 {
		return ES(op, KEndpointNotFound, "endpoint returned 404; check the configured streaming/DM endpoint URL").SetRetryable()
	}

	e := &Error{Op: op, Kind: KServiceError, restErrMsg: body}

	var envelope struct {
		Error struct {
			Code         string `json:"code"`
			Message      string `json:"message"`
			Type         string `json:"@type"`
			Description  string `json:"@message"`
			FailureCode  string `json:"@failureCode"`
			Permanent    *bool  `json:"@permanent"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		// Parsing failed: permanent per spec.md §4.6 ("RequestError (permanent) if ... parsing failed").
		e.Kind = KRequestError
		e.Err = fmt.Errorf("server returned status %d with an unparseable error body", statusCode)
		return e.SetNoRetry()
	}

	e.Err = errors.New(envelope.Error.Message)
	e.WithCode(envelope.Error.Code, envelope.Error.FailureCode, envelope.Error.Description)

	permanent := statusCode >= 400 && statusCode < 500
	if envelope.Error.Permanent != nil {
		permanent = *envelope.Error.Permanent
	}
	if permanent {
		e.Kind = KRequestError
		return e.SetNoRetry()
	}
	return e.SetRetryable()
}

// Retry reports whether err (an *Error or otherwise) merits a retry attempt.
// A non-*Error is never retried: only classified errors carry retriability.
func Retry(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return !e.IsPermanent()
}

// StripSecrets removes query strings (SAS tokens) from a URL appearing in messages,
// per spec.md §7 "Secrets ... are stripped from any URL appearing in error messages".
func StripSecrets(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
