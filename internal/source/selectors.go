package source

import (
	"regexp"
	"strings"

	"github.com/gocolly/colly/v2"

	"github.com/rpattn/pricetrail/internal/domain"
)

// Prioritized selectors per field; the first one yielding a value wins.
var (
	titleSelectors = []string{
		"#productTitle",
		"h1.a-size-large",
		"span#productTitle",
		`h1[data-automation-id="title"]`,
		"h1",
	}
	priceSelectors = []string{
		"span.a-price-whole",
		".a-price .a-offscreen",
		"#priceblock_ourprice",
		"#priceblock_dealprice",
		"span.a-price-symbol + span",
		`[data-a-color="price"] .a-offscreen`,
		`[data-a-color="price"]`,
	}
	availabilitySelectors = []string{
		"#availability span",
		"#availability-feature_feature_div span",
		".a-section.a-spacing-none.aok-align-center span",
		"[data-asin] + div span",
	}
	brandSelectors = []string{
		"#brand",
		"a#brand",
		"tr.po-brand td span",
		`[data-feature-name="bylineInfo"] a`,
	}
	imageSelectors = []string{
		"#landingImage",
		"#imgBlkFront",
		"#main-image",
		"img[data-a-dynamic-image]",
	}
	sellerSelectors = []string{
		"#sellerProfileTriggerId",
		"#merchant-info a",
	}

	availabilityWords = []string{"stock", "available", "ships"}
	brandPrefix       = regexp.MustCompile(`(?i)^visit the\s+`)
)

const (
	defaultAvailability = "Check availability"
	defaultSeller       = "Amazon.com"
)

// pageFields is what a product page yielded before normalization.
type pageFields struct {
	Title        string
	PriceText    string
	Availability string
	Brand        string
	ImageURL     string
	Category     string
	Seller       string
}

// extractPage pulls product fields out of a rendered page.
func extractPage(e *colly.HTMLElement) pageFields {
	var f pageFields

	f.Title = firstText(e, titleSelectors, nil)

	f.PriceText = firstText(e, priceSelectors, func(v string) bool {
		return domain.ParsePrice(v) != nil
	})

	f.Availability = firstText(e, availabilitySelectors, func(v string) bool {
		lower := strings.ToLower(v)
		for _, word := range availabilityWords {
			if strings.Contains(lower, word) {
				return true
			}
		}
		return false
	})
	if f.Availability == "" {
		f.Availability = defaultAvailability
	}

	f.Brand = brandPrefix.ReplaceAllString(firstText(e, brandSelectors, nil), "")

	for _, sel := range imageSelectors {
		img := e.DOM.Find(sel).First()
		if src, ok := img.Attr("src"); ok && strings.TrimSpace(src) != "" {
			f.ImageURL = strings.TrimSpace(src)
			break
		}
		if src, ok := img.Attr("data-src"); ok && strings.TrimSpace(src) != "" {
			f.ImageURL = strings.TrimSpace(src)
			break
		}
	}

	// The last breadcrumb link is the most specific category.
	crumbs := e.DOM.Find("#wayfinding-breadcrumbs_feature_div a")
	if crumbs.Length() > 0 {
		f.Category = strings.TrimSpace(crumbs.Last().Text())
	}

	f.Seller = firstText(e, sellerSelectors, nil)
	if f.Seller == "" {
		f.Seller = defaultSeller
	}

	return f
}

// firstText returns the trimmed text of the first selector that matches and
// passes accept (nil accepts any non-empty text).
func firstText(e *colly.HTMLElement, selectors []string, accept func(string) bool) string {
	for _, sel := range selectors {
		value := strings.TrimSpace(e.DOM.Find(sel).First().Text())
		if value == "" {
			continue
		}
		if accept != nil && !accept(value) {
			continue
		}
		return value
	}
	return ""
}
