package templates

import (
	"net/url"
	"strings"
)

// UnsubscribeKind is the unsubscribe block a template asks for.
type UnsubscribeKind string

const (
	UnsubscribeFull        UnsubscribeKind = "full"
	UnsubscribePersonOnly  UnsubscribeKind = "person_only"
	UnsubscribeSiteOnly    UnsubscribeKind = "site_only"
	UnsubscribeProfileLink UnsubscribeKind = "profile_link"
	UnsubscribeNone        UnsubscribeKind = "none"
)

// Placeholder tokens recognized in template bodies, in detection order.
const (
	TokenFull        = "{{UNSUBSCRIBE_FULL}}"
	TokenPersonOnly  = "{{UNSUBSCRIBE_PERSON_ONLY}}"
	TokenSiteOnly    = "{{UNSUBSCRIBE_SITE_ONLY}}"
	TokenProfileLink = "{{UNSUBSCRIBE_PROFILE_LINK}}"
	TokenNone        = "{{NO_UNSUBSCRIBE}}"
)

type unsubscribeBlock struct {
	token string
	kind  UnsubscribeKind
	html  string
	text  string
}

// The blocks are liquid fragments rendered with the message variables, so
// every value passes through the escape filter in HTML.
var unsubscribeBlocks = []unsubscribeBlock{
	{
		token: TokenFull,
		kind:  UnsubscribeFull,
		html: `<div class="unsubscribe">` +
			`<p>You are receiving this because you follow updates about {{ personName | escape }}.</p>` +
			`<p><a href="{{ personOptOutUrl | escape }}">Stop emails about {{ personName | escape }}</a>` +
			` | <a href="{{ allOptOutUrl | escape }}">Unsubscribe from all emails</a></p>` +
			`</div>`,
		text: "You are receiving this because you follow updates about {{ personName }}.\n" +
			"Stop emails about {{ personName }}: {{ personOptOutUrl }}\n" +
			"Unsubscribe from all emails: {{ allOptOutUrl }}",
	},
	{
		token: TokenPersonOnly,
		kind:  UnsubscribePersonOnly,
		html: `<div class="unsubscribe">` +
			`<p><a href="{{ personOptOutUrl | escape }}">Stop emails about {{ personName | escape }}</a></p>` +
			`</div>`,
		text: "Stop emails about {{ personName }}: {{ personOptOutUrl }}",
	},
	{
		token: TokenSiteOnly,
		kind:  UnsubscribeSiteOnly,
		html: `<div class="unsubscribe">` +
			`<p><a href="{{ allOptOutUrl | escape }}">Unsubscribe from all emails</a></p>` +
			`</div>`,
		text: "Unsubscribe from all emails: {{ allOptOutUrl }}",
	},
	{
		token: TokenProfileLink,
		kind:  UnsubscribeProfileLink,
		html: `<div class="unsubscribe">` +
			`<p><a href="{{ profileUrl | escape }}">Manage your email preferences</a></p>` +
			`</div>`,
		text: "Manage your email preferences: {{ profileUrl }}",
	},
	{
		token: TokenNone,
		kind:  UnsubscribeNone,
	},
}

// DetectUnsubscribe returns the first recognized token found in html, then
// text. ok is false when neither body carries a token.
func DetectUnsubscribe(html, text string) (kind UnsubscribeKind, ok bool) {
	if b := findBlock(html); b != nil {
		return b.kind, true
	}
	if b := findBlock(text); b != nil {
		return b.kind, true
	}
	return "", false
}

func findBlock(body string) *unsubscribeBlock {
	for i := range unsubscribeBlocks {
		if strings.Contains(body, unsubscribeBlocks[i].token) {
			return &unsubscribeBlocks[i]
		}
	}
	return nil
}

// expandUnsubscribe swaps the first recognized token for its block in both
// bodies. Only that token is processed; any other token left behind renders
// as an undefined variable, which is empty.
func expandUnsubscribe(html, text string) (string, string) {
	b := findBlock(html)
	if b == nil {
		b = findBlock(text)
	}
	if b == nil {
		return html, text
	}
	return strings.ReplaceAll(html, b.token, b.html), strings.ReplaceAll(text, b.token, b.text)
}

// UnsubscribeLinks are the variables the unsubscribe blocks read.
type UnsubscribeLinks struct {
	PersonName      string
	PersonOptOutURL string
	AllOptOutURL    string
	ProfileURL      string
}

// BuildUnsubscribeLinks derives the preference links for a message from the
// public base URL. personID may be empty for mail not about a person.
func BuildUnsubscribeLinks(baseURL, personID, personName string) UnsubscribeLinks {
	base := strings.TrimRight(baseURL, "/")
	links := UnsubscribeLinks{
		PersonName:   personName,
		AllOptOutURL: base + "/profile/email-preferences?unsubscribe=all",
		ProfileURL:   base + "/profile",
	}
	if personID != "" {
		links.PersonOptOutURL = base + "/profile/email-preferences?unsubscribe=person&personId=" + url.QueryEscape(personID)
	}
	return links
}

// apply fills vars with the link variables that are not already set.
func (l UnsubscribeLinks) apply(vars map[string]any) {
	set := func(key, value string) {
		if _, ok := vars[key]; !ok && value != "" {
			vars[key] = value
		}
	}
	set("personName", l.PersonName)
	set("personOptOutUrl", l.PersonOptOutURL)
	set("allOptOutUrl", l.AllOptOutURL)
	set("profileUrl", l.ProfileURL)
}
