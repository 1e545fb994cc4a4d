package sessions_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/health-intake/internal/domain/sessions"
)

func TestIntakeNormalizeDefaults(t *testing.T) {
	in := sessions.Intake{Name: "  Ana ", Gender: "female", Age: 34}
	in.Normalize()
	assert.Equal(t, "Ana", in.Name)
	assert.Equal(t, sessions.UnitsMetric, in.Units)
	assert.Equal(t, "en", in.Language)
	require.NoError(t, in.Validate())
}

func TestIntakeValidate(t *testing.T) {
	base := sessions.Intake{Name: "Ana", Gender: "female", Age: 34, Units: sessions.UnitsMetric, Language: "en"}

	tests := []struct {
		name  string
		mut   func(*sessions.Intake)
		field string
	}{
		{"missing name", func(i *sessions.Intake) { i.Name = "" }, "name"},
		{"missing gender", func(i *sessions.Intake) { i.Gender = "" }, "gender"},
		{"zero age", func(i *sessions.Intake) { i.Age = 0 }, "age"},
		{"absurd age", func(i *sessions.Intake) { i.Age = 400 }, "age"},
		{"negative height", func(i *sessions.Intake) { i.Height = -1 }, "height"},
		{"negative weight", func(i *sessions.Intake) { i.Weight = -3 }, "weight"},
		{"bad units", func(i *sessions.Intake) { i.Units = "furlongs" }, "units"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mut(&in)
			err := in.Validate()
			require.Error(t, err)
			var verr *sessions.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
