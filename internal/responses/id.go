package responses

import "github.com/google/uuid"

// IDProvider issues identifiers for responses and audit events.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers,
// so response ids sort by creation time.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
