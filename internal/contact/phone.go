package contact

import (
	"strings"

	"github.com/ttacon/libphonenumber"
)

const DefaultRegion = "IN"

// NormalizeMobile formats a valid number as E.164. Anything libphonenumber
// cannot validate is returned trimmed and otherwise untouched.
func NormalizeMobile(raw string, region string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if region == "" {
		region = DefaultRegion
	}
	num, err := libphonenumber.Parse(raw, strings.ToUpper(region))
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return raw
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

func ValidMobile(raw string, region string) bool {
	if region == "" {
		region = DefaultRegion
	}
	num, err := libphonenumber.Parse(strings.TrimSpace(raw), strings.ToUpper(region))
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(num)
}
