package app

import "fmt"

// DomainError is an editing failure the UI is expected to handle: an
// unpublishable draft, a rejected recipient file, an operation without a
// loaded session. Status is the HTTP mapping; Details carries the aggregated
// violation list when one exists.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
