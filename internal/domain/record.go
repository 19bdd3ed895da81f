package domain

import "time"

// Property types recognised by the classifier (record category).
const (
	CategoryApartment = "apartment"
	CategoryHouse     = "house"
	CategoryRoom      = "room"
	CategoryHotelRoom = "hotel_room"
)

// Rental types (record sub-category).
const (
	RentalLongTerm = "long_term"
	RentalDaily    = "daily"
)

// Feature flags a listing may declare.
const (
	FeatureBalcony           = "balcony"
	FeatureAirConditioning   = "air_conditioning"
	FeatureInternet          = "internet"
	FeatureFurniture         = "furniture"
	FeatureParking           = "parking"
	FeatureGarden            = "garden"
	FeaturePool              = "pool"
	FeatureElevator          = "elevator"
	FeaturePetsAllowed       = "pets_allowed"
	FeatureUtilitiesIncluded = "utilities_included"
)

// KnownFeatures lists every feature flag in a stable order.
var KnownFeatures = []string{
	FeatureBalcony,
	FeatureAirConditioning,
	FeatureInternet,
	FeatureFurniture,
	FeatureParking,
	FeatureGarden,
	FeaturePool,
	FeatureElevator,
	FeaturePetsAllowed,
	FeatureUtilitiesIncluded,
}

// Money is an amount in a given ISO currency.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Listing is the typed field set extracted from a message. Pointer and empty values mean "unknown".
type Listing struct {
	Category    string          `json:"category,omitempty"`
	SubCategory string          `json:"sub_category,omitempty"`
	Rooms       *int            `json:"rooms,omitempty"`
	AreaSqm     *float64        `json:"area_sqm,omitempty"`
	Floor       *int            `json:"floor,omitempty"`
	TotalFloors *int            `json:"total_floors,omitempty"`
	Price       *Money          `json:"price,omitempty"`
	City        string          `json:"city,omitempty"`
	District    string          `json:"district,omitempty"`
	Address     string          `json:"address,omitempty"`
	Contacts    []string        `json:"contacts,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// Usage is the classifier accounting side channel. Persisted, never interpreted.
type Usage struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// ClassifiedRecord is the immutable extraction result for one RawMessage.
// A re-extraction writes a new record with a higher Revision.
type ClassifiedRecord struct {
	ID             string
	MessageKey     MessageKey
	Revision       int
	Listing        Listing
	Text           string
	Confidence     float64
	ShouldConsider bool
	Usage          Usage
	CreatedAt      time.Time
}

// SearchText is the free text keyword constraints are evaluated against.
func (r ClassifiedRecord) SearchText() string {
	text := r.Text
	if r.Listing.Notes != "" {
		text += "\n" + r.Listing.Notes
	}
	if r.Listing.Address != "" {
		text += "\n" + r.Listing.Address
	}
	return text
}

// ExtractionOutcome is the classifier verdict.
type ExtractionOutcome int

const (
	OutcomeClassified ExtractionOutcome = iota + 1
	OutcomeNotApplicable
)

func (o ExtractionOutcome) String() string {
	switch o {
	case OutcomeClassified:
		return "classified"
	case OutcomeNotApplicable:
		return "not_applicable"
	}
	return "unknown"
}

// Extraction is what a classifier returns for one body of text.
type Extraction struct {
	Outcome    ExtractionOutcome
	Listing    Listing
	Confidence float64
	Reason     string
	Usage      Usage
}
