package domain

import (
	"fmt"
	"strings"
)

// legacyAddressKeys lists the field names older clients and stored documents used for each
// canonical address field, most preferred first.
var legacyAddressKeys = map[string][]string{
	"recipient":  {"recipient", "fullName", "full_name", "name"},
	"line1":      {"line1", "address", "street", "address1"},
	"line2":      {"line2", "address2", "apartment"},
	"city":       {"city", "town"},
	"state":      {"state", "province", "region"},
	"postalCode": {"postalCode", "postal_code", "zip", "zipCode"},
	"country":    {"country", "countryCode", "country_code"},
	"phone":      {"phone", "phoneNumber", "phone_number"},
}

// AddressFromLegacy maps a loosely typed address document, written with either the current or
// any historical field naming, into the canonical Address.
func AddressFromLegacy(raw map[string]any) Address {
	if len(raw) == 0 {
		return Address{}
	}
	pick := func(field string) string {
		for _, key := range legacyAddressKeys[field] {
			value, ok := raw[key]
			if !ok || value == nil {
				continue
			}
			var text string
			switch v := value.(type) {
			case string:
				text = v
			case fmt.Stringer:
				text = v.String()
			default:
				text = fmt.Sprint(v)
			}
			if text = strings.TrimSpace(text); text != "" {
				return text
			}
		}
		return ""
	}
	return Address{
		Recipient:  pick("recipient"),
		Line1:      pick("line1"),
		Line2:      pick("line2"),
		City:       pick("city"),
		State:      pick("state"),
		PostalCode: pick("postalCode"),
		Country:    strings.ToUpper(pick("country")),
		Phone:      pick("phone"),
	}
}
