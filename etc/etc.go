// Package etc holds small helpers shared by the other packages.
package etc

import (
	"github.com/nrednav/cuid2"
)

// NewFreshID returns a collision-resistant id for a session.
func NewFreshID() string {
	return cuid2.Generate()
}

func IsFreshID(id string) bool {
	return cuid2.IsCuid(id)
}
