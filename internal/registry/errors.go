package registry

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a registry error for HTTP mapping
type Kind string

// Error kinds, mapped to HTTP status codes at the API edge
const (
	KindMissingAuthentication Kind = "MissingAuthentication" // 401
	KindInvalidInput          Kind = "InvalidInput"          // 400
	KindPackageRejected       Kind = "PackageRejected"       // 400
	KindAuthorization         Kind = "AuthorizationException" // 403
	KindNotFound              Kind = "NotFound"              // 404
	KindNotAcceptable         Kind = "NotAcceptable"         // 406
	KindOperationForbidden    Kind = "OperationForbidden"    // 409
	KindUploaderExists        Kind = "UploaderAlreadyExists" // 409
	KindNotImplemented        Kind = "NotImplemented"        // 501
)

// Rejection and authorization codes carried inside an Error
const (
	CodeArchiveEmpty          = "ArchiveEmpty"
	CodeArchiveTooLarge       = "ArchiveTooLarge"
	CodeVersionExists         = "VersionExists"
	CodeVersionDeleted        = "VersionDeleted"
	CodeMaxVersionsReached    = "MaxVersionsReached"
	CodeSimilarToActive       = "SimilarToActive"
	CodeSimilarToModerated    = "SimilarToModerated"
	CodeNameReserved          = "NameReserved"
	CodeIsBlocked             = "IsBlocked"
	CodeUploadRestricted      = "UploadRestricted"
	CodeGithubActionIssue     = "GithubActionIssue"
	CodeServiceAccountIssue   = "ServiceAccountPublishingIssue"
	CodeCannotUpload          = "UserCannotUploadNewVersion"
	CodeCannotChangeUploaders = "UserCannotChangeUploaders"
	CodeNotPackageAdmin       = "UserIsNotAdminForPackage"
	CodeLastUploaderRemove    = "LastUploaderRemove"
	CodeSelfRemovalNotAllowed = "SelfRemovalNotAllowed"
	CodePublisherOwned        = "PublisherOwnedNoUploader"
)

// Error is a domain error raised from deep call sites and surfaced
// unchanged to the HTTP layer, which maps Kind to a status code.
type Error struct {
	Kind    Kind
	Code    string // optional finer-grained code within the kind
	Message string
}

// Error implements the error interface
func (e *Error) Error() string { return e.Message }

// HTTPStatus returns the status code for the error kind
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMissingAuthentication:
		return http.StatusUnauthorized
	case KindInvalidInput, KindPackageRejected:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNotAcceptable:
		return http.StatusNotAcceptable
	case KindOperationForbidden, KindUploaderExists:
		return http.StatusConflict
	case KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// AsError unwraps a registry Error from an error chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// MissingAuthentication reports an absent required token
func MissingAuthentication() *Error {
	return &Error{Kind: KindMissingAuthentication, Message: "authentication is required for this operation"}
}

// InvalidInput reports a malformed request value
func InvalidInput(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// PackageRejected reports an archive-level publishing problem
func PackageRejected(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindPackageRejected, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a policy denial
func Unauthorized(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown resource
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NotAcceptable reports an ambiguous state
func NotAcceptable(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotAcceptable, Message: fmt.Sprintf(format, args...)}
}

// OperationForbidden reports a state-conflicting operation
func OperationForbidden(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindOperationForbidden, Code: code, Message: fmt.Sprintf(format, args...)}
}

// UploaderAlreadyExists reports a duplicate uploader invite
func UploaderAlreadyExists(email string) *Error {
	return &Error{Kind: KindUploaderExists, Message: fmt.Sprintf("%s is already an uploader", email)}
}

// NotImplemented reports an unsupported operation
func NotImplemented(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotImplemented, Message: fmt.Sprintf(format, args...)}
}

// VersionExists reports a publish of an already-existing version
func VersionExists(pkg, version string) *Error {
	return PackageRejected(CodeVersionExists,
		"version %s of package %s already exists", version, pkg)
}

// isUniqueViolation reports whether the error is a unique-index conflict.
// Postgres signals these with SQLSTATE 23505; sqlite under test reports a
// UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
