// closer.go defines the Closer interface.

// Package types contains the small types shared by the decode session
// packages.
package types

import (
	"context"
)

// Closer is implemented by everything that owns allocator resources.
type Closer interface {
	Close(context.Context) error
}
