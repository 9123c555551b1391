package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleSubstitution(t *testing.T) {
	ctx := RenderContext{"name": "high-error-rate", "state": "firing"}
	out := Render("rule {{alert.name}} is now {{alert.state}}", ctx)
	assert.Equal(t, "rule high-error-rate is now firing", out)
}

func TestRender_MetadataLookup(t *testing.T) {
	ctx := RenderContext{"metadata": map[string]string{"team": "platform"}}
	out := Render("owner: {{alert.metadata.team}}", ctx)
	assert.Equal(t, "owner: platform", out)
}

func TestRender_MissingKeyExpandsToEmpty(t *testing.T) {
	out := Render("value: {{alert.value}}", RenderContext{})
	assert.Equal(t, "value: ", out)
}

func TestRender_EscapedBracesPassThrough(t *testing.T) {
	out := Render(`literal: \{{not a key}}`, RenderContext{})
	assert.Equal(t, "literal: {{not a key}}", out)
}

func TestRender_UnmatchedTemplateOutsidePatternPassesThrough(t *testing.T) {
	out := Render("plain {{other.key}} text for {{alert.name}}", RenderContext{"name": "x"})
	assert.Equal(t, "plain {{other.key}} text for x", out)
}

func TestRender_NumberFormattedToSixSignificantDigits(t *testing.T) {
	ctx := RenderContext{"value": 123.456789}
	out := Render("{{alert.value}}", ctx)
	assert.Equal(t, "123.457", out)
}

func TestRender_UnclosedBraceIsPassedThrough(t *testing.T) {
	out := Render("trailing {{alert.name", RenderContext{"name": "x"})
	assert.Equal(t, "trailing {{alert.name", out)
}

func TestRenderJSONBody_RendersStringLeavesOnly(t *testing.T) {
	ctx := RenderContext{"name": "high-error-rate", "value": 150.0}
	body := `{"text": "{{alert.name}} fired", "count": 3, "nested": {"v": "{{alert.value}}"}, "list": ["{{alert.name}}", 1]}`

	out, err := RenderJSONBody(body, ctx)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "high-error-rate fired", decoded["text"])
	assert.Equal(t, 3.0, decoded["count"])
	assert.Equal(t, "150", decoded["nested"].(map[string]interface{})["v"])
	assert.Equal(t, "high-error-rate", decoded["list"].([]interface{})[0])
}

func TestRenderJSONBody_NonJSONTreatedAsSingleTemplate(t *testing.T) {
	ctx := RenderContext{"name": "x"}
	out, err := RenderJSONBody("plain {{alert.name}} body", ctx)
	require.NoError(t, err)

	var decoded string
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "plain x body", decoded)
}
