package phones

import (
	"regexp"

	validation "github.com/jellydator/validation"
)

const (
	DefaultCountryCode = "+34"
	DefaultLabel       = "Personal phone"
)

var countryCodeRe = regexp.MustCompile(`^\+[0-9]{1,3}$`)

// Input is the body of a create request.
type Input struct {
	PhoneNumber string `json:"phone_number"`
	CountryCode string `json:"country_code"`
	IsPrimary   bool   `json:"is_primary"`
	Label       string `json:"label"`
	Notes       string `json:"notes"`
}

// Validate checks field lengths and formats after sanitizing.
func (in Input) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.PhoneNumber, validation.Required, validation.RuneLength(9, 15)),
		validation.Field(&in.CountryCode, validation.Required, validation.Match(countryCodeRe)),
		validation.Field(&in.Label, validation.RuneLength(0, 50)),
		validation.Field(&in.Notes, validation.RuneLength(0, 200)),
	)
}

func (in *Input) applyDefaults() {
	if in.CountryCode == "" {
		in.CountryCode = DefaultCountryCode
	}
	if in.Label == "" {
		in.Label = DefaultLabel
	}
}

// Update is the body of a partial update. Nil fields are left unchanged.
type Update struct {
	PhoneNumber *string `json:"phone_number"`
	CountryCode *string `json:"country_code"`
	IsPrimary   *bool   `json:"is_primary"`
	Label       *string `json:"label"`
	Notes       *string `json:"notes"`
}

// Validate checks only the fields that are present.
func (u Update) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.PhoneNumber, validation.NilOrNotEmpty, validation.RuneLength(9, 15)),
		validation.Field(&u.CountryCode, validation.NilOrNotEmpty, validation.Match(countryCodeRe)),
		validation.Field(&u.Label, validation.RuneLength(0, 50)),
		validation.Field(&u.Notes, validation.RuneLength(0, 200)),
	)
}

// Empty reports whether u changes nothing.
func (u Update) Empty() bool {
	return u.PhoneNumber == nil && u.CountryCode == nil && u.IsPrimary == nil &&
		u.Label == nil && u.Notes == nil
}

// textFields returns the free-form fields of the request for inspection.
func (in Input) textFields() map[string]string {
	return map[string]string{
		"phone_number": in.PhoneNumber,
		"country_code": in.CountryCode,
		"label":        in.Label,
		"notes":        in.Notes,
	}
}

func (u Update) textFields() map[string]string {
	out := map[string]string{}
	for name, p := range map[string]*string{
		"phone_number": u.PhoneNumber,
		"country_code": u.CountryCode,
		"label":        u.Label,
		"notes":        u.Notes,
	} {
		if p != nil {
			out[name] = *p
		}
	}
	return out
}
