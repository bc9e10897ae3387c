// Package utils holds the small error-wrapping and environment-lookup
// helpers pkg/config relies on when loading the relay's configuration.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
