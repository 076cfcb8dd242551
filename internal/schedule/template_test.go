package schedule

import (
	"testing"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTemplateJSON = `{
  "id": "tpl_weight",
  "name": "Weight program",
  "duration_days": 7,
  "schedule": [
    {"day": 1, "activities": [
      {"slot": "MORNING", "time": "08:00", "type": "WEIGHT", "question": "Please log your weight", "required": true},
      {"slot": "EVENING", "time": "21:00", "type": "MOOD", "question": "How was your day?", "required": false}
    ]}
  ]
}`

func TestParseTemplate(t *testing.T) {
	tpl, err := ParseTemplate([]byte(validTemplateJSON))
	require.NoError(t, err)
	assert.Equal(t, 7, tpl.DurationDays)
	require.Len(t, tpl.Schedule, 1)
	assert.Equal(t, models.ActivityWeight, tpl.Schedule[0].Activities[0].Type)
}

func TestParseTemplateRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{`},
		{"unknown field", `{"name":"x","duration_days":1,"rules":[]}`},
		{"no name", `{"duration_days":1}`},
		{"zero duration", `{"name":"x","duration_days":0}`},
		{"day zero", `{"name":"x","duration_days":2,"schedule":[{"day":0,"activities":[]}]}`},
		{"day beyond duration", `{"name":"x","duration_days":2,"schedule":[{"day":3,"activities":[]}]}`},
		{"duplicate day", `{"name":"x","duration_days":2,"schedule":[{"day":1,"activities":[]},{"day":1,"activities":[]}]}`},
		{"bad slot", `{"name":"x","duration_days":1,"schedule":[{"day":1,"activities":[{"slot":"NIGHT","time":"08:00","type":"MOOD","question":"q"}]}]}`},
		{"bad type", `{"name":"x","duration_days":1,"schedule":[{"day":1,"activities":[{"slot":"MORNING","time":"08:00","type":"SLEEP","question":"q"}]}]}`},
		{"bad time", `{"name":"x","duration_days":1,"schedule":[{"day":1,"activities":[{"slot":"MORNING","time":"8am","type":"MOOD","question":"q"}]}]}`},
		{"no question", `{"name":"x","duration_days":1,"schedule":[{"day":1,"activities":[{"slot":"MORNING","time":"08:00","type":"MOOD"}]}]}`},
		{"duplicate type and slot", `{"name":"x","duration_days":1,"schedule":[{"day":1,"activities":[
			{"slot":"MORNING","time":"08:00","type":"MOOD","question":"q"},
			{"slot":"MORNING","time":"09:00","type":"MOOD","question":"q"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplate([]byte(tt.json))
			assert.ErrorIs(t, err, models.ErrInvalidTemplate)
		})
	}
}

func TestValidateTemplateAllowsShortSchedules(t *testing.T) {
	tpl := sampleTemplate()
	tpl.DurationDays = 30
	assert.NoError(t, ValidateTemplate(tpl))
	assert.ErrorIs(t, ValidateTemplate(nil), models.ErrInvalidTemplate)
}
