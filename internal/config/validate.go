package config

import (
	"fmt"
	"regexp"
)

// User and conversation ids become live channel path segments, so the
// charset must exclude '/' and anything else that could splice paths.
var userIDRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateUserID checks that id is safe to embed in the live keyspace.
func ValidateUserID(id string) error {
	if !userIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid user id %q: must match ^[a-zA-Z0-9_-]{1,64}$", id)
	}
	return nil
}
