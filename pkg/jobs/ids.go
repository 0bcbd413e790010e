package jobs

import (
	"github.com/google/uuid"
)

func NewId() string {
	return uuid.New().String()
}

// ValidId accepts only the canonical hyphenated 36 character form, so ids are
// always safe to join onto the job root.
func ValidId(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
