package usecase

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"ListingRadar/internal/domain"
)

const excerptRunes = 400

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

var categoryTitles = map[string]string{
	domain.CategoryApartment: "Apartment",
	domain.CategoryHouse:     "House",
	domain.CategoryRoom:      "Room",
	domain.CategoryHotelRoom: "Hotel room",
}

var rentalTitles = map[string]string{
	domain.RentalLongTerm: "long term",
	domain.RentalDaily:    "daily",
}

// RenderSummary formats record as Telegram Markdown: the typed fields, an excerpt of the
// source text and a link back to the post.
func RenderSummary(record domain.ClassifiedRecord) string {
	l := record.Listing
	var b strings.Builder

	title := categoryTitles[l.Category]
	if title == "" {
		title = "Listing"
	}
	b.WriteString("*" + title + "*")
	if rental := rentalTitles[l.SubCategory]; rental != "" {
		b.WriteString(", " + rental)
	}
	b.WriteString("\n")

	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, markdownEscaper.Replace(value))
		}
	}

	if l.Rooms != nil {
		line("Rooms", strconv.Itoa(*l.Rooms))
	}
	if l.AreaSqm != nil {
		line("Area", strconv.FormatFloat(*l.AreaSqm, 'f', -1, 64)+" m²")
	}
	if l.Floor != nil {
		floor := strconv.Itoa(*l.Floor)
		if l.TotalFloors != nil {
			floor += "/" + strconv.Itoa(*l.TotalFloors)
		}
		line("Floor", floor)
	}
	if l.Price != nil {
		line("Price", strconv.FormatFloat(l.Price.Amount, 'f', -1, 64)+" "+l.Price.Currency)
	}
	line("Location", joinNonEmpty(", ", l.District, l.City))
	line("Address", l.Address)
	line("Contacts", strings.Join(l.Contacts, ", "))
	line("Features", featureList(l.Features))
	if record.Confidence > 0 {
		line("Confidence", strconv.Itoa(int(record.Confidence*100+0.5))+"%")
	}

	if excerpt := excerpt(record.Text, excerptRunes); excerpt != "" {
		b.WriteString("\n" + markdownEscaper.Replace(excerpt) + "\n")
	}
	if link := SourceLink(record.MessageKey); link != "" {
		fmt.Fprintf(&b, "\n[Source](%s)", link)
	}
	return b.String()
}

// SourceLink points at the original post. Channel and supergroup ids carry a -100 prefix that
// t.me omits; positive ids are already in t.me form. Basic groups have no public post links,
// so other negative ids get "".
func SourceLink(key domain.MessageKey) string {
	channel := strconv.FormatInt(key.ChannelID, 10)
	switch {
	case key.ChannelID > 0:
	case strings.HasPrefix(channel, "-100") && len(channel) > len("-100"):
		channel = strings.TrimPrefix(channel, "-100")
	default:
		return ""
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", channel, key.MessageID)
}

func featureList(features map[string]bool) string {
	var names []string
	for _, name := range domain.KnownFeatures {
		if features[name] {
			names = append(names, strings.ReplaceAll(name, "_", " "))
		}
	}
	return strings.Join(names, ", ")
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
