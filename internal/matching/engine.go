// Package matching decides which subscriber filters a classified record satisfies.
//
// Every clause is AND'd except price bands, which are OR'd with one another. An absent
// constraint never restricts. A record missing a field that a populated constraint depends on
// fails that constraint; it is never an error.
//
// Tag policies, per field:
//   - Categories, SubCategories, Districts, Cities: the record carries a single value, and it must
//     be a member of the filter's allowed set (intersection policy). Comparison is case-insensitive.
//   - Features: every (flag, value) pair the filter lists must be present on the record with the
//     same value (subset policy).
package matching

import (
	"slices"
	"strings"

	"ListingRadar/internal/domain"
)

// Clause names reported by Evaluate.
const (
	ClauseInactive       = "inactive"
	ClauseShouldConsider = "should_consider"
	ClauseCategory       = "category"
	ClauseSubCategory    = "sub_category"
	ClauseDistrict       = "district"
	ClauseCity           = "city"
	ClauseRooms          = "rooms"
	ClauseArea           = "area"
	ClauseFloor          = "floor"
	ClauseFeatures       = "features"
	ClausePrice          = "price"
	ClauseIncludeKeyword = "include_keyword"
	ClauseExcludeKeyword = "exclude_keyword"
)

// Verdict is the outcome of evaluating one filter; Clause names the first failing clause.
type Verdict struct {
	Matched bool
	Clause  string
}

// Match returns the filters that record satisfies, ordered by filter ID then owner.
// The input slice is copied on entry so later edits by the caller do not affect the result.
func Match(record domain.ClassifiedRecord, filters []domain.SubscriberFilter) []domain.SubscriberFilter {
	snapshot := slices.Clone(filters)
	if !record.ShouldConsider {
		return nil
	}

	text := strings.ToLower(record.SearchText())
	var matched []domain.SubscriberFilter
	for _, f := range snapshot {
		if evaluate(record, text, f).Matched {
			matched = append(matched, f)
		}
	}

	slices.SortStableFunc(matched, func(a, b domain.SubscriberFilter) int {
		if c := strings.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		return strings.Compare(a.OwnerID, b.OwnerID)
	})
	return matched
}

// Evaluate explains why a single filter does or does not match record.
func Evaluate(record domain.ClassifiedRecord, f domain.SubscriberFilter) Verdict {
	return evaluate(record, strings.ToLower(record.SearchText()), f)
}

func evaluate(record domain.ClassifiedRecord, lowerText string, f domain.SubscriberFilter) Verdict {
	l := record.Listing
	switch {
	case !f.Active:
		return fail(ClauseInactive)
	case !record.ShouldConsider:
		return fail(ClauseShouldConsider)
	case !memberOf(l.Category, f.Categories):
		return fail(ClauseCategory)
	case !memberOf(l.SubCategory, f.SubCategories):
		return fail(ClauseSubCategory)
	case !memberOf(l.District, f.Districts):
		return fail(ClauseDistrict)
	case !memberOf(l.City, f.Cities):
		return fail(ClauseCity)
	case !intInRange(l.Rooms, f.Rooms):
		return fail(ClauseRooms)
	case !floatInRange(l.AreaSqm, f.Area):
		return fail(ClauseArea)
	case !intInRange(l.Floor, f.Floor):
		return fail(ClauseFloor)
	case !hasFeatures(l.Features, f.Features):
		return fail(ClauseFeatures)
	case !priceAccepted(l.Price, f.Prices):
		return fail(ClausePrice)
	case !containsAll(lowerText, f.IncludeKeywords):
		return fail(ClauseIncludeKeyword)
	case containsAny(lowerText, f.ExcludeKeywords):
		return fail(ClauseExcludeKeyword)
	}
	return Verdict{Matched: true}
}

func fail(clause string) Verdict {
	return Verdict{Clause: clause}
}

func memberOf(value string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), value) {
			return true
		}
	}
	return false
}

func intInRange(value *int, r domain.IntRange) bool {
	if r.Empty() {
		return true
	}
	if value == nil {
		return false
	}
	if r.Min != nil && *value < *r.Min {
		return false
	}
	if r.Max != nil && *value > *r.Max {
		return false
	}
	return true
}

func floatInRange(value *float64, r domain.FloatRange) bool {
	if r.Empty() {
		return true
	}
	if value == nil {
		return false
	}
	return within(*value, r.Min, r.Max)
}

func within(v float64, lo, hi *float64) bool {
	if lo != nil && v < *lo {
		return false
	}
	if hi != nil && v > *hi {
		return false
	}
	return true
}

func hasFeatures(have, want map[string]bool) bool {
	for name, required := range want {
		got, ok := have[name]
		if !ok || got != required {
			return false
		}
	}
	return true
}

// priceAccepted: no bands means no restriction; otherwise some band in the record's currency
// must contain the price. Currencies are never converted.
func priceAccepted(price *domain.Money, bands []domain.PriceConstraint) bool {
	if len(bands) == 0 {
		return true
	}
	if price == nil {
		return false
	}
	for _, b := range bands {
		if !strings.EqualFold(b.Currency, price.Currency) {
			continue
		}
		if within(price.Amount, b.Min, b.Max) {
			return true
		}
	}
	return false
}

func containsAll(lowerText string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(lowerText, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

func containsAny(lowerText string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lowerText, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
