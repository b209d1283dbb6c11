package domain

import "errors"

const MaxNameLen = 36

var (
	ErrNameEmpty   = errors.New("empty user name")
	ErrNameTooLong = errors.New("user name too long")
)

// ValidateName gates registration; the returned error text is sent back to
// the client verbatim.
func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}
