// Package errors provides structured error handling for waypost services.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodePayloadInvalid   Code = "PAYLOAD_INVALID"
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"

	// Version errors
	CodeVersionClientIncompatible Code = "VERSION_CLIENT_INCOMPATIBLE"
	CodeVersionHeaderInvalid      Code = "VERSION_HEADER_INVALID"

	// Auth errors
	CodeAuthKeyMissing       Code = "AUTH_KEY_MISSING"
	CodeAuthKeyInvalid       Code = "AUTH_KEY_INVALID"
	CodeAuthKeyRevoked       Code = "AUTH_KEY_REVOKED"
	CodeAuthScopeInsufficient Code = "AUTH_SCOPE_INSUFFICIENT"

	// Project errors
	CodeProjectNameInvalid Code = "PROJECT_NAME_INVALID"

	// Run errors
	CodeRunClientIDInvalid Code = "RUN_CLIENT_ID_INVALID"
	CodeRunNotActive       Code = "RUN_NOT_ACTIVE"

	// Metric errors
	CodeMetricBatchEmpty   Code = "METRIC_BATCH_EMPTY"
	CodeMetricNameInvalid  Code = "METRIC_NAME_INVALID"
	CodeMetricStepInvalid  Code = "METRIC_STEP_INVALID"
	CodeMetricValueInvalid Code = "METRIC_VALUE_INVALID"

	// Artifact errors
	CodeArtifactNameInvalid Code = "ARTIFACT_NAME_INVALID"
	CodeArtifactTooLarge    Code = "ARTIFACT_TOO_LARGE"

	// Space sync errors
	CodeSpaceIDInvalid       Code = "SPACE_ID_INVALID"
	CodeSpaceManifestMissing Code = "SPACE_MANIFEST_MISSING"
	CodeSpaceManifestInvalid Code = "SPACE_MANIFEST_INVALID"
	CodeSpaceManifestStale   Code = "SPACE_MANIFEST_STALE"
	CodeSpaceTokenInvalid    Code = "SPACE_TOKEN_INVALID"
	CodeSpaceUnavailable     Code = "SPACE_UNAVAILABLE"

	// Share grant errors
	CodeShareGrantInvalid Code = "SHARE_GRANT_INVALID"
	CodeShareGrantExpired Code = "SHARE_GRANT_EXPIRED"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodePayloadInvalid,
		CodeVersionHeaderInvalid,
		CodeProjectNameInvalid,
		CodeRunClientIDInvalid,
		CodeMetricBatchEmpty,
		CodeMetricNameInvalid,
		CodeMetricStepInvalid,
		CodeMetricValueInvalid,
		CodeArtifactNameInvalid,
		CodeSpaceIDInvalid,
		CodeSpaceManifestInvalid:
		return http.StatusBadRequest

	// Unauthorized - missing or unverifiable credentials
	case CodeAuthKeyMissing,
		CodeAuthKeyInvalid,
		CodeShareGrantInvalid:
		return http.StatusUnauthorized

	// Forbidden - valid credentials without the needed rights
	case CodeAuthKeyRevoked,
		CodeAuthScopeInsufficient,
		CodeShareGrantExpired,
		CodeSpaceTokenInvalid:
		return http.StatusForbidden

	// Conflict - state doesn't allow the operation
	case CodeRunNotActive,
		CodeAlreadyExists,
		CodeSpaceManifestStale:
		return http.StatusConflict

	case CodeNotFound,
		CodeSpaceManifestMissing:
		return http.StatusNotFound

	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed

	case CodeArtifactTooLarge:
		return http.StatusRequestEntityTooLarge

	case CodeVersionClientIncompatible:
		return http.StatusUpgradeRequired

	case CodeSpaceUnavailable:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
