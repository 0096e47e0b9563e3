package llm

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"syscall"
)

// Category labels a failure for user messaging and retry policy.
type Category string

const (
	CatValidation    Category = "validation"
	CatAuth          Category = "auth"
	CatRateLimit     Category = "rate-limit"
	CatQuota         Category = "quota"
	CatContentPolicy Category = "content-policy"
	CatContextWindow Category = "context-window"
	CatModelNotFound Category = "model-not-found"
	CatTimeout       Category = "timeout"
	CatServerError   Category = "server-error"
	CatNetwork       Category = "network"
	CatEmptyResponse Category = "empty-response"
	CatCensored      Category = "censored"
	CatSDKParsing    Category = "sdk-parsing"
	CatUnknown       Category = "unknown"
)

// permanentCategories fail the job outright; everything else is retried per
// the job type's policy.
var permanentCategories = map[Category]bool{
	CatValidation:    true,
	CatAuth:          true,
	CatQuota:         true,
	CatContextWindow: true,
	CatModelNotFound: true,
}

// Error is a classified upstream failure. Reference is the 12-character id
// surfaced to users so a report can be correlated with logs.
type Error struct {
	Category   Category
	StatusCode int
	Message    string
	Reference  string
	cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm: %s (%s) [ref %s]: %s", e.Category, e.Type(), e.Reference, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Type derives permanent/transient from the category.
func (e *Error) Type() string {
	if permanentCategories[e.Category] {
		return "permanent"
	}
	return "transient"
}

// Permanent reports whether the queue must not retry this failure.
func (e *Error) Permanent() bool { return permanentCategories[e.Category] }

// UserMessage returns the user-facing text for the category.
func (e *Error) UserMessage() string {
	switch e.Category {
	case CatAuth:
		return "Your API key was rejected by the provider. Check it and try again."
	case CatQuota:
		return "The provider reports your account is out of credits."
	case CatRateLimit:
		return "The model is receiving too many requests. Please wait a moment."
	case CatContextWindow:
		return "The conversation is too long for this model. Try a shorter history or lower max tokens."
	case CatModelNotFound:
		return "The configured model is not available."
	case CatContentPolicy, CatCensored:
		return "The provider declined to answer this request."
	case CatEmptyResponse:
		return "The model returned an empty reply. Please try again."
	default:
		return fmt.Sprintf("Something went wrong while generating a reply. Reference: %s", e.Reference)
	}
}

// statusError carries the HTTP status of a non-2xx provider response into
// classification.
type statusError struct {
	status  int
	message string
}

func (s *statusError) Error() string { return s.message }

// Message-pattern classification, applied only when no status code is
// available. Order matters: first match wins.
var messagePatterns = []struct {
	re  *regexp.Regexp
	cat Category
}{
	{regexp.MustCompile(`(?i)quota|billing|insufficient credits|payment required`), CatQuota},
	{regexp.MustCompile(`(?i)context length|maximum context|too many tokens|token limit`), CatContextWindow},
	{regexp.MustCompile(`(?i)content policy|content_filter|moderation|flagged`), CatContentPolicy},
	{regexp.MustCompile(`(?i)model.{0,40}(not found|does not exist|unavailable)`), CatModelNotFound},
	{regexp.MustCompile(`(?i)rate limit`), CatRateLimit},
	{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`), CatTimeout},
	{regexp.MustCompile(`(?i)censored`), CatCensored},
	{regexp.MustCompile(`(?i)empty (response|completion)`), CatEmptyResponse},
	{regexp.MustCompile(`(?i)invalid request|invalid_request_error|bad request`), CatValidation},
	{regexp.MustCompile(`(?i)unauthorized|invalid api key|authentication`), CatAuth},
	{regexp.MustCompile(`(?i)unmarshal|unexpected end of JSON|invalid character`), CatSDKParsing},
}

// Classify maps an arbitrary error from the invocation path to the taxonomy.
// A status code on the error dominates; otherwise message patterns apply;
// otherwise network-level failures classify as network. Everything that
// remains is unknown (transient) with a reference id.
func Classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	out := &Error{
		Category:  CatUnknown,
		Message:   err.Error(),
		Reference: NewReference(),
		cause:     err,
	}

	var se *statusError
	if errors.As(err, &se) {
		out.StatusCode = se.status
		out.Category = classifyStatus(se.status)
		if out.Category == CatUnknown {
			out.Category = classifyMessage(se.message)
		}
		return out
	}

	if cat := classifyMessage(err.Error()); cat != CatUnknown {
		out.Category = cat
		return out
	}

	if isNetworkError(err) {
		out.Category = CatNetwork
	}
	return out
}

func classifyStatus(status int) Category {
	switch {
	case status == 401 || status == 403:
		return CatAuth
	case status == 402:
		return CatQuota
	case status == 404:
		return CatModelNotFound
	case status == 408:
		return CatTimeout
	case status == 413:
		return CatContextWindow
	case status == 429:
		return CatRateLimit
	case status >= 500:
		return CatServerError
	case status == 400:
		return CatValidation
	default:
		return CatUnknown
	}
}

func classifyMessage(msg string) Category {
	for _, p := range messagePatterns {
		if p.re.MatchString(msg) {
			return p.cat
		}
	}
	return CatUnknown
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, code := range []error{
		syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.ECONNREFUSED,
		syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
	} {
		if errors.Is(err, code) {
			return true
		}
	}
	// DNS failures wrap *net.DNSError, already matched above; connection
	// strings like "connection reset by peer" reach here from wrapped errors.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused")
}

// NewReference returns a 12-character hex id for user-facing error reports.
func NewReference() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(b[:])
}

// newError builds a classified error directly, for failures detected inside
// this package (empty responses, parse failures).
func newError(cat Category, status int, msg string) *Error {
	return &Error{Category: cat, StatusCode: status, Message: msg, Reference: NewReference()}
}
