package domain

import "github.com/shopspring/decimal"

// DetectChange compares next against the previous offer for the same product.
//
// A nil prev means next is the first observation and is always reported as
// ChangeInitial. Otherwise the checks run in fixed order and the first match
// wins: price, then availability, then seller or currency. The boolean is
// false when nothing differs and no history entry should be written.
func DetectChange(prev *Offer, next Offer) (ChangeType, bool) {
	if prev == nil {
		return ChangeInitial, true
	}

	switch {
	case !samePrice(prev.Price, next.Price):
		return ChangePrice, true
	case !sameText(prev.Availability, next.Availability):
		return ChangeAvailability, true
	case !sameText(prev.Seller, next.Seller) || prev.Currency != next.Currency:
		return ChangeOther, true
	default:
		return "", false
	}
}

// samePrice treats unset and set as different; two set prices compare by
// value so 10.0 and 10.00 are equal.
func samePrice(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
