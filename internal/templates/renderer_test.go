package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLinks = UnsubscribeLinks{
	PersonName:      "Jane Doe",
	PersonOptOutURL: "https://example.org/optout/person",
	AllOptOutURL:    "https://example.org/optout/all",
	ProfileURL:      "https://example.org/profile",
}

func TestRender_Variables(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render(Content{
		Subject: "New comment on {{ personName }}",
		HTML:    "<p>Hello {{ name | default: \"friend\" }}</p>{{NO_UNSUBSCRIBE}}",
		Text:    "Hello {{ name | default: \"friend\" }}",
	}, map[string]any{}, testLinks)
	require.NoError(t, err)

	assert.Equal(t, "New comment on Jane Doe", out.Subject)
	assert.Equal(t, "<p>Hello friend</p>", out.HTML)
	assert.Equal(t, "Hello friend", out.Text)
	assert.Equal(t, UnsubscribeNone, out.Unsubscribe)
}

func TestRender_FullBlock(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render(Content{
		Subject: "Update",
		HTML:    "<p>Body</p>{{UNSUBSCRIBE_FULL}}",
		Text:    "Body\n{{UNSUBSCRIBE_FULL}}",
	}, nil, testLinks)
	require.NoError(t, err)

	assert.Equal(t, UnsubscribeFull, out.Unsubscribe)
	assert.Equal(t, 1, strings.Count(out.HTML, `href="https://example.org/optout/person"`))
	assert.Equal(t, 1, strings.Count(out.HTML, `href="https://example.org/optout/all"`))
	assert.Contains(t, out.HTML, "Jane Doe")
	assert.NotContains(t, out.HTML, "UNSUBSCRIBE_FULL")
	assert.Contains(t, out.Text, "https://example.org/optout/person")
	assert.Contains(t, out.Text, "https://example.org/optout/all")
	assert.NotContains(t, out.Text, "UNSUBSCRIBE_FULL")
}

func TestRender_PersonOnlyBlock(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render(Content{
		Subject: "Update",
		HTML:    "<p>Body</p>{{UNSUBSCRIBE_PERSON_ONLY}}",
		Text:    "Body\n{{UNSUBSCRIBE_PERSON_ONLY}}",
	}, nil, testLinks)
	require.NoError(t, err)

	assert.Equal(t, UnsubscribePersonOnly, out.Unsubscribe)
	for _, body := range []string{out.HTML, out.Text} {
		assert.Contains(t, body, "https://example.org/optout/person")
		assert.NotContains(t, body, "https://example.org/optout/all")
		assert.NotContains(t, body, "UNSUBSCRIBE_PERSON_ONLY")
	}
}

func TestRender_OnlyFirstTokenProcessed(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render(Content{
		Subject: "s",
		HTML:    "{{UNSUBSCRIBE_SITE_ONLY}}{{UNSUBSCRIBE_PROFILE_LINK}}",
	}, nil, testLinks)
	require.NoError(t, err)

	assert.Equal(t, UnsubscribeSiteOnly, out.Unsubscribe)
	assert.Contains(t, out.HTML, "https://example.org/optout/all")
	assert.NotContains(t, out.HTML, "https://example.org/profile")
	assert.NotContains(t, out.HTML, "UNSUBSCRIBE")
}

func TestRender_EscapesPersonName(t *testing.T) {
	r := NewRenderer()
	links := testLinks
	links.PersonName = `<script>alert(1)</script>`
	out, err := r.Render(Content{Subject: "s", HTML: "{{UNSUBSCRIBE_PERSON_ONLY}}"}, nil, links)
	require.NoError(t, err)
	assert.NotContains(t, out.HTML, "<script>")
	assert.Contains(t, out.HTML, "&lt;script&gt;")
}

func TestRender_CallerVariablesWin(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render(Content{Subject: "{{ personName }}"}, map[string]any{"personName": "Override"}, testLinks)
	require.NoError(t, err)
	assert.Equal(t, "Override", out.Subject)
}

func TestValidate(t *testing.T) {
	r := NewRenderer()
	require.NoError(t, r.Validate(Content{Subject: "Hi {{ name }}", HTML: "{% if x %}y{% endif %}{{UNSUBSCRIBE_FULL}}"}))

	err := r.Validate(Content{Subject: "ok", HTML: "{% if x %}never closed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "htmlContent")
}

func TestDetectUnsubscribe(t *testing.T) {
	kind, ok := DetectUnsubscribe("<p>none</p>", "text {{UNSUBSCRIBE_PROFILE_LINK}}")
	assert.True(t, ok)
	assert.Equal(t, UnsubscribeProfileLink, kind)

	_, ok = DetectUnsubscribe("<p>none</p>", "")
	assert.False(t, ok)
}

func TestBuildUnsubscribeLinks(t *testing.T) {
	l := BuildUnsubscribeLinks("https://bringmehome.org/", "p 1", "Jane")
	assert.Equal(t, "https://bringmehome.org/profile/email-preferences?unsubscribe=person&personId=p+1", l.PersonOptOutURL)
	assert.Equal(t, "https://bringmehome.org/profile/email-preferences?unsubscribe=all", l.AllOptOutURL)
	assert.Equal(t, "https://bringmehome.org/profile", l.ProfileURL)

	assert.Empty(t, BuildUnsubscribeLinks("https://bringmehome.org", "", "").PersonOptOutURL)
}
