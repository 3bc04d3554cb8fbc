package core

import (
	"errors"
	"fmt"
)

// Routing error kinds. Every fatal routing error wraps exactly one of these.
var (
	ErrUnsupportedCategory = errors.New("unsupported category")
	ErrUnknownModel        = errors.New("unknown model")
	ErrNoEligibleModel     = errors.New("no eligible model")
	ErrAllModelsFailed     = errors.New("all models failed")
	ErrInvalidRequest      = errors.New("invalid request")
)

// ErrMalformedResponse marks a provider reply that could not be decoded.
var ErrMalformedResponse = errors.New("malformed provider response")

// RouteError is a fatal routing failure surfaced to the caller.
type RouteError struct {
	Kind     error
	Category Category
	Model    string
	Message  string
	// Attempts holds the soft failures collected before giving up.
	Attempts []error
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	return e.Message
}

// Unwrap exposes the kind so errors.Is works against the sentinels.
func (e *RouteError) Unwrap() error {
	return e.Kind
}

// NewUnsupportedCategoryError rejects a disabled or unknown category.
func NewUnsupportedCategoryError(category Category) *RouteError {
	return &RouteError{
		Kind:     ErrUnsupportedCategory,
		Category: category,
		Message:  fmt.Sprintf("category %q is not supported", category),
	}
}

// NewUnknownModelError rejects a model id missing from the catalog.
func NewUnknownModelError(model string) *RouteError {
	return &RouteError{
		Kind:    ErrUnknownModel,
		Model:   model,
		Message: fmt.Sprintf("model %q is not in the catalog", model),
	}
}

// NewNoEligibleModelError reports that no credentialed model serves category.
func NewNoEligibleModelError(category Category) *RouteError {
	return &RouteError{
		Kind:     ErrNoEligibleModel,
		Category: category,
		Message: fmt.Sprintf(
			"no usable model for category %q with the supplied credentials; add an API key for another provider or choose a different category",
			category),
	}
}

// NewAllModelsFailedError reports that every ranked candidate failed.
func NewAllModelsFailedError(category Category, attempts []error) *RouteError {
	return &RouteError{
		Kind:     ErrAllModelsFailed,
		Category: category,
		Message:  fmt.Sprintf("all models failed for category %q (%d attempts)", category, len(attempts)),
		Attempts: attempts,
	}
}

// NewInvalidRequestError rejects a malformed routing request.
func NewInvalidRequestError(reason string) *RouteError {
	return &RouteError{
		Kind:    ErrInvalidRequest,
		Message: "invalid request: " + reason,
	}
}

// IsFatal reports whether err must abort routing instead of advancing to the next candidate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnsupportedCategory) ||
		errors.Is(err, ErrUnknownModel) ||
		errors.Is(err, ErrNoEligibleModel) ||
		errors.Is(err, ErrInvalidRequest)
}

// UpstreamError is a non-2xx reply from a provider.
type UpstreamError struct {
	Provider   string
	Model      string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d for model %s", e.Provider, e.StatusCode, e.Model)
	}
	return fmt.Sprintf("%s returned status %d for model %s: %s", e.Provider, e.StatusCode, e.Model, e.Body)
}
