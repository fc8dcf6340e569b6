package domain

import "errors"

var (
	ErrConfiguration   = errors.New("configuration error: neither sourceUrl nor prompt supplied")
	ErrUnknownProvider = errors.New("unknown provider hint")
	ErrNotFound        = errors.New("not found")
)

// FailureKind classifies terminal failures so orchestration can branch on
// the kind rather than on error strings.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureURLValidation FailureKind = "url-validation-failed"
	FailureDownload      FailureKind = "download-failed"
	FailureGeneration    FailureKind = "ai-generation-failed"
	FailureStorage       FailureKind = "storage-failed"
	FailureConfiguration FailureKind = "configuration-error"
	FailureInternal      FailureKind = "internal-error"
)
