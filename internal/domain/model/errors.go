package model

import "errors"

// ErrMalformed marks records that cannot be sequenced or applied.
var ErrMalformed = errors.New("malformed event")
