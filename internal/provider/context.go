package provider

import (
	"fmt"
	"strings"
)

// PrivacyLevel caps how much page content may leave the browser.
type PrivacyLevel string

const (
	PrivacyNone      PrivacyLevel = "none"
	PrivacySelection PrivacyLevel = "selection"
	PrivacyVisible   PrivacyLevel = "visible"
	PrivacyFull      PrivacyLevel = "full"
)

func ParsePrivacyLevel(s string) (PrivacyLevel, error) {
	switch l := PrivacyLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case PrivacyNone, PrivacySelection, PrivacyVisible, PrivacyFull:
		return l, nil
	case "":
		return PrivacySelection, nil
	default:
		return "", fmt.Errorf("unknown privacy level %q", s)
	}
}

// Context is page-derived text attached to a request.
type Context struct {
	Selection   string `json:"selection,omitempty"`
	VisibleText string `json:"visible_text,omitempty"`
	HTML        string `json:"html,omitempty"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
}

// Excerpt is the text used for task classification: the selection when there
// is one, otherwise the visible text.
func (c *Context) Excerpt() string {
	if c == nil {
		return ""
	}
	if c.Selection != "" {
		return c.Selection
	}
	return c.VisibleText
}

// Disclose returns a copy holding a single disclosure level permitted by
// level, or nil when nothing may be shared.
func (c *Context) Disclose(level PrivacyLevel) *Context {
	if c == nil || level == PrivacyNone {
		return nil
	}
	out := &Context{URL: c.URL, Title: c.Title}
	switch {
	case c.Selection != "":
		out.Selection = c.Selection
	case level == PrivacyVisible && c.VisibleText != "":
		out.VisibleText = c.VisibleText
	case level == PrivacyFull && c.HTML != "":
		out.HTML = c.HTML
	case level == PrivacyFull && c.VisibleText != "":
		out.VisibleText = c.VisibleText
	}
	if out.Selection == "" && out.VisibleText == "" && out.HTML == "" && out.URL == "" && out.Title == "" {
		return nil
	}
	return out
}

// ContextMessage renders the synthetic grounding message for c.
func ContextMessage(c *Context) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context from the current page:\n")
	if c.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", c.Title)
	}
	if c.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", c.URL)
	}
	switch {
	case c.Selection != "":
		fmt.Fprintf(&b, "\nSelected text:\n%s\n", c.Selection)
	case c.VisibleText != "":
		fmt.Fprintf(&b, "\nPage content:\n%s\n", c.VisibleText)
	case c.HTML != "":
		fmt.Fprintf(&b, "\nPage HTML:\n%s\n", c.HTML)
	}
	return strings.TrimRight(b.String(), "\n")
}

// InsertBeforeLatestUser places m right before the last user message, or at
// the end when there is none.
func InsertBeforeLatestUser[T any](msgs []T, m T, isUser func(T) bool) []T {
	idx := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if isUser(msgs[i]) {
			idx = i
			break
		}
	}
	out := make([]T, 0, len(msgs)+1)
	out = append(out, msgs[:idx]...)
	out = append(out, m)
	return append(out, msgs[idx:]...)
}
