package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"ListingRadar/internal/domain"
)

func TestRenderSummary(t *testing.T) {
	t.Parallel()

	rooms, floor, total := 2, 3, 9
	area := 55.5
	got := RenderSummary(domain.ClassifiedRecord{
		MessageKey: domain.MessageKey{ChannelID: -1001234567890, MessageID: 42},
		Listing: domain.Listing{
			Category:    domain.CategoryApartment,
			SubCategory: domain.RentalLongTerm,
			Rooms:       &rooms,
			AreaSqm:     &area,
			Floor:       &floor,
			TotalFloors: &total,
			Price:       &domain.Money{Amount: 450, Currency: "USD"},
			District:    "Kentron",
			City:        "Yerevan",
			Contacts:    []string{"@landlord_am"},
			Features:    map[string]bool{domain.FeatureBalcony: true, domain.FeaturePetsAllowed: true, domain.FeaturePool: false},
		},
		Text:       "Сдаю 2к квартиру *срочно*",
		Confidence: 0.87,
	})

	for _, want := range []string{
		"*Apartment*, long term",
		"Rooms: 2",
		"Area: 55.5 m²",
		"Floor: 3/9",
		"Price: 450 USD",
		"Location: Kentron, Yerevan",
		`Contacts: @landlord\_am`,
		"Features: balcony, pets allowed",
		"Confidence: 87%",
		`Сдаю 2к квартиру \*срочно\*`,
		"[Source](https://t.me/c/1234567890/42)",
	} {
		assert.Contains(t, got, want)
	}
	assert.NotContains(t, got, "pool")
}

func TestRenderSummaryMinimal(t *testing.T) {
	t.Parallel()

	got := RenderSummary(domain.ClassifiedRecord{
		MessageKey: domain.MessageKey{ChannelID: 555, MessageID: 1},
		Text:       strings.Repeat("а", excerptRunes+10),
	})
	assert.True(t, strings.HasPrefix(got, "*Listing*\n"))
	assert.Contains(t, got, "…")
	assert.Contains(t, got, "https://t.me/c/555/1")
}

func TestSourceLink(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://t.me/c/1234567890/42", SourceLink(domain.MessageKey{ChannelID: -1001234567890, MessageID: 42}))
	assert.Equal(t, "https://t.me/c/555/1", SourceLink(domain.MessageKey{ChannelID: 555, MessageID: 1}))
	assert.Empty(t, SourceLink(domain.MessageKey{ChannelID: -4567, MessageID: 3}))
	assert.Empty(t, SourceLink(domain.MessageKey{ChannelID: -100, MessageID: 3}))

	got := RenderSummary(domain.ClassifiedRecord{MessageKey: domain.MessageKey{ChannelID: -4567, MessageID: 3}, Text: "flat"})
	assert.NotContains(t, got, "t.me")
	assert.NotContains(t, got, "[Source]")
}
