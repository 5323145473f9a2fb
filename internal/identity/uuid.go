// Package identity issues unique identifiers for rows created on the
// server side: audit entries, outbox rows and snapshots.
package identity

import "github.com/google/uuid"

// UUIDProvider issues UUIDv7 identifiers, which sort by creation time.
type UUIDProvider struct{}

// NewUUIDProvider constructs a UUIDProvider.
func NewUUIDProvider() *UUIDProvider {
	return &UUIDProvider{}
}

// NewID returns a fresh UUIDv7 string.
func (p *UUIDProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
