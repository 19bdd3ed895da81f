package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"ListingRadar/internal/domain"
)

const defaultSystemPrompt = "You are an expert at analyzing real estate advertisements written in Russian, Armenian and English."

const userPromptTemplate = `You parse Telegram channel posts that may be real estate listings.
Return a single JSON object and nothing else.

Rules:
- Only posts OFFERING property for rent or sale are listings ("сдаю", "сдается", "продаю", "for rent").
- Posts SEARCHING for property ("ищу", "сниму", "нужна", "looking for") are not listings.
- Spam, events, jobs and services are not listings.
- "X/Y этаж" is floor X of Y total floors, never a room count.
- A studio ("студия", "однушка") has 1 room.
- Use null for anything not stated. Do not guess.
- parsing_confidence reflects how certain the extraction is, from 0.0 to 1.0.
- Explain ambiguous decisions in additional_notes.

Schema:
{
  "is_real_estate": boolean,
  "parsing_confidence": number,
  "property_type": "apartment" | "room" | "house" | "hotel_room" | null,
  "rental_type": "long_term" | "daily" | null,
  "rooms_count": number | null,
  "area_sqm": number | null,
  "floor": number | null,
  "total_floors": number | null,
  "price": number | null,
  "currency": "AMD" | "USD" | "RUB" | "EUR" | "GBP" | null,
  "city": string | null,
  "district": string | null,
  "address": string | null,
  "contacts": [string] | null,
  "has_balcony": boolean | null,
  "has_air_conditioning": boolean | null,
  "has_internet": boolean | null,
  "has_furniture": boolean | null,
  "has_parking": boolean | null,
  "has_garden": boolean | null,
  "has_pool": boolean | null,
  "has_elevator": boolean | null,
  "pets_allowed": boolean | null,
  "utilities_included": boolean | null,
  "additional_notes": string | null
}

Post:
%s`

func systemPrompt(configured string) string {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return defaultSystemPrompt
	}
	return configured
}

func userPrompt(text string) string {
	return fmt.Sprintf(userPromptTemplate, text)
}

// wireExtraction is the JSON object classifiers answer with.
type wireExtraction struct {
	IsRealEstate      bool     `json:"is_real_estate"`
	Confidence        *float64 `json:"parsing_confidence"`
	PropertyType      *string  `json:"property_type"`
	RentalType        *string  `json:"rental_type"`
	Rooms             *float64 `json:"rooms_count"`
	AreaSqm           *float64 `json:"area_sqm"`
	Floor             *float64 `json:"floor"`
	TotalFloors       *float64 `json:"total_floors"`
	Price             *float64 `json:"price"`
	Currency          *string  `json:"currency"`
	City              *string  `json:"city"`
	District          *string  `json:"district"`
	Address           *string  `json:"address"`
	Contacts          []string `json:"contacts"`
	HasBalcony        *bool    `json:"has_balcony"`
	HasAirCond        *bool    `json:"has_air_conditioning"`
	HasInternet       *bool    `json:"has_internet"`
	HasFurniture      *bool    `json:"has_furniture"`
	HasParking        *bool    `json:"has_parking"`
	HasGarden         *bool    `json:"has_garden"`
	HasPool           *bool    `json:"has_pool"`
	HasElevator       *bool    `json:"has_elevator"`
	PetsAllowed       *bool    `json:"pets_allowed"`
	UtilitiesIncluded *bool    `json:"utilities_included"`
	Notes             *string  `json:"additional_notes"`
	Reason            string   `json:"reason"`
}

// decodeExtraction parses a model answer. Markdown code fences around the object are tolerated.
func decodeExtraction(content string) (domain.Extraction, error) {
	content = stripFence(content)
	var w wireExtraction
	if err := json.Unmarshal([]byte(content), &w); err != nil {
		return domain.Extraction{}, fmt.Errorf("decode classifier answer: %w", err)
	}
	return w.extraction(), nil
}

func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimPrefix(content, "json")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func (w wireExtraction) extraction() domain.Extraction {
	if !w.IsRealEstate {
		reason := w.Reason
		if reason == "" {
			reason = deref(w.Notes)
		}
		return domain.Extraction{Outcome: domain.OutcomeNotApplicable, Reason: reason}
	}

	listing := domain.Listing{
		Category:    deref(w.PropertyType),
		SubCategory: deref(w.RentalType),
		Rooms:       toInt(w.Rooms),
		AreaSqm:     w.AreaSqm,
		Floor:       toInt(w.Floor),
		TotalFloors: toInt(w.TotalFloors),
		City:        deref(w.City),
		District:    deref(w.District),
		Address:     deref(w.Address),
		Contacts:    w.Contacts,
		Notes:       deref(w.Notes),
	}
	if w.Price != nil {
		listing.Price = &domain.Money{
			Amount:   *w.Price,
			Currency: strings.ToUpper(strings.TrimSpace(deref(w.Currency))),
		}
	}

	flags := map[string]*bool{
		domain.FeatureBalcony:           w.HasBalcony,
		domain.FeatureAirConditioning:   w.HasAirCond,
		domain.FeatureInternet:          w.HasInternet,
		domain.FeatureFurniture:         w.HasFurniture,
		domain.FeatureParking:           w.HasParking,
		domain.FeatureGarden:            w.HasGarden,
		domain.FeaturePool:              w.HasPool,
		domain.FeatureElevator:          w.HasElevator,
		domain.FeaturePetsAllowed:       w.PetsAllowed,
		domain.FeatureUtilitiesIncluded: w.UtilitiesIncluded,
	}
	for name, v := range flags {
		if v == nil {
			continue
		}
		if listing.Features == nil {
			listing.Features = map[string]bool{}
		}
		listing.Features[name] = *v
	}

	confidence := 0.0
	if w.Confidence != nil {
		confidence = clamp01(*w.Confidence)
	}
	return domain.Extraction{
		Outcome:    domain.OutcomeClassified,
		Listing:    listing,
		Confidence: confidence,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func toInt(v *float64) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
