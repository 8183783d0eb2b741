package etl

import (
	"errors"
	"fmt"

	"github.com/BartekS5/moviesync/pkg/models"
)

var ErrMissingID = errors.New("missing required id")

type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// ValidateDocument checks the fields the sink relies on: the id keys the
// document and every nested person needs an id.
func (v *Validator) ValidateDocument(doc *models.Movie) error {
	if doc.ID == "" {
		return ErrMissingID
	}
	for i, p := range doc.Actors {
		if p.ID == "" {
			return fmt.Errorf("document %s: actor #%d has no id", doc.ID, i)
		}
	}
	for i, p := range doc.Writers {
		if p.ID == "" {
			return fmt.Errorf("document %s: writer #%d has no id", doc.ID, i)
		}
	}
	return nil
}
