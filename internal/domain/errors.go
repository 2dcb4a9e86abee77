package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidDomain is matched by every DomainError via errors.Is.
var ErrInvalidDomain = errors.New("invalid domain")

// DomainError reports a window that cannot be made valid. It is fatal to the
// dataset session that produced it.
type DomainError struct {
	Op       string
	Overview Domain
	Reason   string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: overview %s: %s", e.Op, e.Overview, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidDomain) match.
func (e *DomainError) Is(target error) bool { return target == ErrInvalidDomain }
