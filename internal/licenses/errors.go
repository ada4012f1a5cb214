package licenses

import "errors"

// ErrNotFound is returned when no record matches the requested id or key.
var ErrNotFound = errors.New("license not found")
