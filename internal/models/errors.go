package models

import "errors"

// ErrMalformedChunk marks chunks rejected at the index boundary.
var ErrMalformedChunk = errors.New("malformed chunk")
