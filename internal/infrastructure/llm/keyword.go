package llm

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

// KeywordClassifier is the offline provider: a rule-based extractor used in development and
// as a fallback when no model is configured. It never calls out and reports zero usage.
type KeywordClassifier struct{}

var _ ports.Classifier = KeywordClassifier{}

var (
	spamMarkers   = []string{"билет", "ticket", "концерт", "standup", "реклама", "крипто", "заработок", "мероприятие", "event", "tour"}
	searchMarkers = []string{"ищу", "ищем", "сниму", "нужна", "нужен", "требуется", "looking for", "wanted"}
	offerMarkers  = []string{"сдаю", "сдаётся", "сдается", "сдам", "сдаём", "аренд", "продаю", "продается", "for rent", "for sale"}
	listingHints  = []string{"квартир", "комнат", "дом", "студия", "кв.м", "этаж", "apartment", "room", "house", "sqm"}

	roomsPattern = regexp.MustCompile(`(\d+)\s*-?\s*(?:к(?:\s|,|$)|комн|rooms?\b|bedrooms?\b)`)
	floorPattern = regexp.MustCompile(`(\d+)\s*/\s*(\d+)\s*(?:этаж|floor)`)
	areaPattern  = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(?:кв\.?\s*м|м2|м²|sqm|m2)`)
	pricePattern = regexp.MustCompile(`(\d[\d\s.,]*\d|\d)\s*(\$|usd|долл|драм|amd|֏|₽|руб|rub|€|eur|евро)`)
	dollarPrefix = regexp.MustCompile(`\$\s*(\d[\d\s.,]*\d|\d)`)
)

var currencyAliases = map[string]string{
	"$": "USD", "usd": "USD", "долл": "USD",
	"драм": "AMD", "amd": "AMD", "֏": "AMD",
	"₽": "RUB", "руб": "RUB", "rub": "RUB",
	"€": "EUR", "eur": "EUR", "евро": "EUR",
}

var featureMarkers = map[string][]string{
	domain.FeatureBalcony:         {"балкон", "лоджия", "balcony"},
	domain.FeatureAirConditioning: {"кондиционер", "air condition"},
	domain.FeatureInternet:        {"интернет", "wi-fi", "wifi", "internet"},
	domain.FeatureFurniture:       {"мебель", "меблирован", "furnished", "furniture"},
	domain.FeatureParking:         {"парковк", "parking", "гараж"},
	domain.FeatureElevator:        {"лифт", "elevator"},
	domain.FeaturePetsAllowed:     {"можно с животными", "pets allowed"},
}

// Classify applies the marker lists to text.
func (KeywordClassifier) Classify(_ context.Context, text string) (domain.Extraction, error) {
	lower := strings.ToLower(text)

	if containsAnyMarker(lower, spamMarkers) {
		return domain.Extraction{Outcome: domain.OutcomeNotApplicable, Reason: "contains non real estate markers"}, nil
	}
	if containsAnyMarker(lower, searchMarkers) {
		return domain.Extraction{Outcome: domain.OutcomeNotApplicable, Reason: "search request, not an offer"}, nil
	}
	offer := containsAnyMarker(lower, offerMarkers)
	if !offer && !containsAnyMarker(lower, listingHints) {
		return domain.Extraction{Outcome: domain.OutcomeNotApplicable, Reason: "no listing markers"}, nil
	}

	listing := domain.Listing{
		Category:    detectCategory(lower),
		SubCategory: domain.RentalLongTerm,
	}
	if strings.Contains(lower, "посуточно") || strings.Contains(lower, "daily") || strings.Contains(lower, "per night") {
		listing.SubCategory = domain.RentalDaily
	}

	confidence := 0.4
	if offer {
		confidence += 0.2
	}
	if m := floorPattern.FindStringSubmatch(lower); m != nil {
		listing.Floor = atoi(m[1])
		listing.TotalFloors = atoi(m[2])
	}
	if m := roomsPattern.FindStringSubmatch(lower); m != nil {
		listing.Rooms = atoi(m[1])
		confidence += 0.1
	} else if strings.Contains(lower, "студия") || strings.Contains(lower, "studio") {
		one := 1
		listing.Rooms = &one
	}
	if m := areaPattern.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64); err == nil {
			listing.AreaSqm = &v
		}
	}
	if price, ok := detectPrice(lower); ok {
		listing.Price = &price
		confidence += 0.2
	}
	for name, markers := range featureMarkers {
		if containsAnyMarker(lower, markers) {
			if listing.Features == nil {
				listing.Features = map[string]bool{}
			}
			listing.Features[name] = true
		}
	}

	return domain.Extraction{
		Outcome:    domain.OutcomeClassified,
		Listing:    listing,
		Confidence: clamp01(confidence),
		Usage:      domain.Usage{Model: "keyword"},
	}, nil
}

func detectCategory(lower string) string {
	switch {
	case strings.Contains(lower, "гостиниц") || strings.Contains(lower, "hotel"):
		return domain.CategoryHotelRoom
	case strings.Contains(lower, "комнату") || strings.Contains(lower, "комната") || strings.Contains(lower, " room "):
		return domain.CategoryRoom
	case strings.Contains(lower, "дом") || strings.Contains(lower, "коттедж") || strings.Contains(lower, "house"):
		return domain.CategoryHouse
	}
	return domain.CategoryApartment
}

func detectPrice(lower string) (domain.Money, bool) {
	m := pricePattern.FindStringSubmatch(lower)
	if m == nil {
		d := dollarPrefix.FindStringSubmatch(lower)
		if d == nil {
			return domain.Money{}, false
		}
		m = []string{d[0], d[1], "$"}
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, m[1])
	amount, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return domain.Money{}, false
	}
	currency := ""
	for alias, code := range currencyAliases {
		if strings.HasPrefix(m[2], alias) {
			currency = code
			break
		}
	}
	return domain.Money{Amount: amount, Currency: currency}, true
}

func containsAnyMarker(lower string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func atoi(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}
