package ionorm

import "errors"

var ErrInvalidMapping = errors.New("invalid io mapping")
