package models

import "errors"

// ErrDatasetNotFound is returned when a dataset does not exist for the tenant.
var ErrDatasetNotFound = errors.New("dataset not found")
