package signals

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/pulse/pkg/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Change reports that the signals of one entity changed. Kind names the
// workflow trigger type it can start; rules match on EntityType alone.
// Signals and Previous may be nested or already flat.
type Change struct {
	Kind       schema.TriggerType `json:"kind,omitempty" validate:"omitempty,oneof=metric_threshold metric_change survey_response"`
	EntityType string             `json:"entity_type" validate:"required"`
	EntityID   string             `json:"entity_id" validate:"required"`
	Signals    map[string]any     `json:"signals,omitempty"`
	Previous   map[string]any     `json:"previous,omitempty"`
	At         time.Time          `json:"at,omitempty"`
}

// Validate checks the change's required fields.
func (c *Change) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid signal change: %s", verrs.Error()).
				WithDetails(details).WithCause(err)
		}
		return schema.NewError(schema.ErrCodeValidation, "invalid signal change").WithCause(err)
	}
	return nil
}

// Current returns the flattened signals of the change.
func (c *Change) Current() Map {
	return Flatten(c.Signals)
}

// Before returns the flattened previous snapshot, or nil when there is none.
func (c *Change) Before() Map {
	if c.Previous == nil {
		return nil
	}
	return Flatten(c.Previous)
}
