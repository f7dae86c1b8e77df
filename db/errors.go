package db

import "errors"

// ErrUnsupportedURL is returned for connection targets a driver cannot parse.
// Drivers wrap it with retry.Stop, so a malformed target fails its connect
// cycle on the first attempt.
var ErrUnsupportedURL = errors.New("unsupported connection url")
