package upstream

import "fmt"

// Error is a non-success status from a provider endpoint.
type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("API Error: %d - %s", e.StatusCode, e.Body)
}
