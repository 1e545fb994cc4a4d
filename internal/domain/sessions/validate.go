package sessions

import "strings"

const maxAge = 130

// Normalize trims the free-text fields and fills defaults for units and language.
func (in *Intake) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Gender = strings.TrimSpace(in.Gender)
	in.Diet = strings.TrimSpace(in.Diet)
	in.Occupation = strings.TrimSpace(in.Occupation)
	in.Sleep = strings.TrimSpace(in.Sleep)
	in.Units = Units(strings.ToLower(strings.TrimSpace(string(in.Units))))
	if in.Units == "" {
		in.Units = UnitsMetric
	}
	in.Language = strings.ToLower(strings.TrimSpace(in.Language))
	if in.Language == "" {
		in.Language = "en"
	}
}

// Validate checks the required demographic fields.
func (in Intake) Validate() error {
	if in.Name == "" {
		return Invalid("name", "is required")
	}
	if in.Gender == "" {
		return Invalid("gender", "is required")
	}
	if in.Age <= 0 || in.Age > maxAge {
		return Invalid("age", "must be between 1 and 130")
	}
	if in.Height < 0 {
		return Invalid("height", "must not be negative")
	}
	if in.Weight < 0 {
		return Invalid("weight", "must not be negative")
	}
	switch in.Units {
	case UnitsMetric, UnitsImperial:
	default:
		return Invalid("units", "must be metric or imperial")
	}
	return nil
}
