package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// IntRange is an inclusive bound; a nil side is open.
type IntRange struct {
	Min *int `json:"min,omitempty" validate:"omitempty,gte=0"`
	Max *int `json:"max,omitempty" validate:"omitempty,gte=0"`
}

// Empty reports whether the range imposes no restriction.
func (r IntRange) Empty() bool {
	return r.Min == nil && r.Max == nil
}

// FloatRange is an inclusive bound; a nil side is open.
type FloatRange struct {
	Min *float64 `json:"min,omitempty" validate:"omitempty,gte=0"`
	Max *float64 `json:"max,omitempty" validate:"omitempty,gte=0"`
}

// Empty reports whether the range imposes no restriction.
func (r FloatRange) Empty() bool {
	return r.Min == nil && r.Max == nil
}

// PriceConstraint is one acceptable price band. Bands of a filter are OR'd.
type PriceConstraint struct {
	ID       string   `json:"id,omitempty"`
	Min      *float64 `json:"min,omitempty" validate:"omitempty,gte=0"`
	Max      *float64 `json:"max,omitempty" validate:"omitempty,gte=0"`
	Currency string   `json:"currency" validate:"required,len=3,alpha"`
}

// SubscriberFilter is one subscriber's standing interest criteria.
type SubscriberFilter struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id" validate:"required"`
	Name        string `json:"name" validate:"max=128"`
	Description string `json:"description,omitempty" validate:"max=1024"`

	Categories    []string `json:"categories,omitempty" validate:"dive,oneof=apartment house room hotel_room"`
	SubCategories []string `json:"sub_categories,omitempty" validate:"dive,oneof=long_term daily"`
	Districts     []string `json:"districts,omitempty" validate:"dive,required"`
	Cities        []string `json:"cities,omitempty" validate:"dive,required"`

	Rooms IntRange   `json:"rooms"`
	Area  FloatRange `json:"area"`
	Floor IntRange   `json:"floor"`

	Features map[string]bool `json:"features,omitempty"`

	Prices []PriceConstraint `json:"prices,omitempty" validate:"dive"`

	IncludeKeywords []string `json:"include_keywords,omitempty" validate:"dive,required"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty" validate:"dive,required"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var filterValidate = validator.New()

// ValidateFilter is the Filter CRUD boundary check. Filters that fail it never reach matching.
func ValidateFilter(f SubscriberFilter) error {
	if err := filterValidate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrMalformedFilter, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrMalformedFilter, err)
	}

	if r := f.Rooms; r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("%w: rooms min %d > max %d", ErrMalformedFilter, *r.Min, *r.Max)
	}
	if r := f.Floor; r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("%w: floor min %d > max %d", ErrMalformedFilter, *r.Min, *r.Max)
	}
	if r := f.Area; r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("%w: area min %g > max %g", ErrMalformedFilter, *r.Min, *r.Max)
	}
	for i, p := range f.Prices {
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("%w: price constraint %d min %g > max %g", ErrMalformedFilter, i, *p.Min, *p.Max)
		}
	}
	for name := range f.Features {
		if !isKnownFeature(name) {
			return fmt.Errorf("%w: unknown feature %q", ErrMalformedFilter, name)
		}
	}
	return nil
}

// NormalizeFilter canonicalises user-entered values before storage.
func NormalizeFilter(f SubscriberFilter) SubscriberFilter {
	for i := range f.Prices {
		f.Prices[i].Currency = strings.ToUpper(strings.TrimSpace(f.Prices[i].Currency))
	}
	f.Districts = trimAll(f.Districts)
	f.Cities = trimAll(f.Cities)
	f.IncludeKeywords = trimAll(f.IncludeKeywords)
	f.ExcludeKeywords = trimAll(f.ExcludeKeywords)
	return f
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func isKnownFeature(name string) bool {
	for _, known := range KnownFeatures {
		if known == name {
			return true
		}
	}
	return false
}
