package models

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the required fields of an incoming candidate
func (c *ListingCandidate) Validate() error {
	return validate.Struct(c)
}
