package cloud

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/nuln/sboxd"
)

// Cloud API error codes.
const (
	ErrInvalidGrant  = 1
	ErrInvalidClient = 2
	ErrNetwork       = 3
	ErrQuota         = 4
	ErrRateLimited   = 5
	ErrServer        = 6
	ErrForbidden     = 7
)

// APIError is a failure reported by the cloud provider's OAuth or REST
// endpoints.
type APIError struct {
	Code    int
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("cloud: %s (http %d)", e.Message, e.Status)
	}
	return "cloud: " + e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// LocalCode implements sboxd.CodedError.
func (e *APIError) LocalCode() int { return e.Code }

// classify turns OAuth and transport failures into APIErrors. Other
// errors are returned unchanged.
func classify(err error) error {
	var unified *sboxd.Error
	if errors.As(err, &unified) {
		return err
	}
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		e := &APIError{Message: retrieve.ErrorCode, Err: err}
		if retrieve.Response != nil {
			e.Status = retrieve.Response.StatusCode
		}
		switch retrieve.ErrorCode {
		case "invalid_grant":
			e.Code = ErrInvalidGrant
		case "invalid_client", "unauthorized_client":
			e.Code = ErrInvalidClient
		default:
			e.Code = statusCode(e.Status)
		}
		if e.Message == "" {
			e.Message = http.StatusText(e.Status)
		}
		return e
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &APIError{Code: ErrNetwork, Message: netErr.Error(), Err: err}
	}
	return err
}

func statusCode(status int) int {
	switch {
	case status == http.StatusUnauthorized:
		return ErrInvalidGrant
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusInsufficientStorage:
		return ErrQuota
	case status >= 500:
		return ErrServer
	}
	return 0
}

var translator = sboxd.NewTranslator(Name, map[int]sboxd.Translation{
	ErrInvalidGrant:  {Code: sboxd.CodeNotAuthenticated, Text: "Cloud credential rejected"},
	ErrInvalidClient: {Code: sboxd.CodeInvalidParameter, Text: "Invalid cloud client id or secret"},
	ErrNetwork:       {Code: sboxd.CodeNetworkFailure, Text: "Cloud service unreachable"},
	ErrQuota:         {Code: sboxd.CodeNoSpace, Text: "Cloud storage quota exceeded"},
	ErrRateLimited:   {Code: sboxd.CodeDeviceBusy, Text: "Cloud service rate limit reached"},
	ErrServer:        {Code: sboxd.CodeNetworkFailure, Text: "Cloud service error"},
	ErrForbidden:     {Code: sboxd.CodePermissionDenied, Text: "Cloud service denied access"},
})

// Translate maps cloud failures into the unified taxonomy.
func Translate(err error) *sboxd.Error { return translator.TranslateError(classify(err)) }
