package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID identifies referrals and events.
type ID string

// referralNamespace seeds derived ids so that the same parent always yields the same child.
var referralNamespace = uuid.MustParse("0b8f3f5e-6c2a-4f43-9a51-6d3f8d2c7e10")

// NewID generates a new random ID
func NewID() ID {
	return ID(uuid.New().String())
}

// DerivedID returns a stable id for the child of parent under the given role.
// Repeating an escalation step therefore targets the same successor record.
func DerivedID(parent ID, role string) ID {
	return ID(uuid.NewSHA1(referralNamespace, []byte(string(parent)+":"+role)).String())
}

// ParseID parses a string into an ID
func ParseID(s string) (ID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid ID: %w", err)
	}
	return ID(s), nil
}

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}

// Value implements driver.Valuer; the zero ID is stored as NULL.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return string(id), nil
}

// Scan implements sql.Scanner.
func (id *ID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*id = ""
	case string:
		*id = ID(v)
	case []byte:
		*id = ID(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ID", value)
	}
	return nil
}
