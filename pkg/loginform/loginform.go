// Package loginform extracts HTML forms from login pages so that the
// authentication flows can submit them the way a browser would.
package loginform

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nhsdigital/nhsd-apim-testauth/pkg/oauth"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// KeycloakFormID is the id of the Keycloak login form.
const KeycloakFormID = "kc-form-login"

// Field is a single named form control value.
type Field struct {
	Name  string
	Value string
}

// Fields is an ordered list of form values. Names may repeat.
type Fields []Field

// Get returns the first value for name.
func (fs Fields) Get(name string) (string, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Names returns the distinct field names in document order.
func (fs Fields) Names() []string {
	seen := make(map[string]bool, len(fs))
	names := make([]string, 0, len(fs))
	for _, f := range fs {
		if !seen[f.Name] {
			seen[f.Name] = true
			names = append(names, f.Name)
		}
	}
	return names
}

// Values converts the fields to url.Values.
func (fs Fields) Values() url.Values {
	v := url.Values{}
	for _, f := range fs {
		v.Add(f.Name, f.Value)
	}
	return v
}

// Form is a parsed HTML form. Action is absolute, resolved against the URL of
// the page that served it; it is that page's URL when the form has no action.
type Form struct {
	ID     string
	Action *url.URL
	Method string
	Fields Fields
}

// Submission returns the pre-populated values with overrides applied. An
// override replaces every value of its name.
func (f Form) Submission(overrides map[string]string) url.Values {
	v := f.Fields.Values()
	for name, value := range overrides {
		v.Set(name, value)
	}
	return v
}

// Parse returns every form in the document in order.
func Parse(r io.Reader, page *url.URL) ([]Form, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("could not parse login page: %w", err)
	}

	var forms []Form
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Form {
			form, err := newForm(n, page)
			if err == nil {
				forms = append(forms, form)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return forms, nil
}

// First parses the document and returns its first form.
func First(r io.Reader, page *url.URL) (Form, error) {
	return ByID(r, page, "")
}

// ByID parses the document and returns the form with the given id, falling
// back to the first form. The error wraps oauth.ErrNoLoginForm when the page
// has no form at all.
func ByID(r io.Reader, page *url.URL, id string) (Form, error) {
	forms, err := Parse(r, page)
	if err != nil {
		return Form{}, err
	}

	if len(forms) == 0 {
		return Form{}, oauth.ErrNoLoginForm
	}

	if id != "" {
		for _, f := range forms {
			if f.ID == id {
				return f, nil
			}
		}
	}

	return forms[0], nil
}

func newForm(n *html.Node, page *url.URL) (Form, error) {
	form := Form{
		ID:     attr(n, "id"),
		Method: strings.ToUpper(strings.TrimSpace(attr(n, "method"))),
		Action: page,
	}

	if form.Method != http.MethodPost {
		form.Method = http.MethodGet
	}

	if action := strings.TrimSpace(attr(n, "action")); action != "" {
		ref, err := url.Parse(action)
		if err != nil {
			return Form{}, fmt.Errorf("invalid form action %q: %w", action, err)
		}
		if page != nil {
			ref = page.ResolveReference(ref)
		}
		form.Action = ref
	}

	collectFields(n, &form.Fields)

	return form, nil
}

func collectFields(n *html.Node, fields *Fields) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}

		name := attr(c, "name")
		switch {
		case c.DataAtom == atom.Input && name != "" && !hasAttr(c, "disabled"):
			if f, ok := inputField(c, name); ok {
				*fields = append(*fields, f)
			}
			continue
		case c.DataAtom == atom.Textarea && name != "" && !hasAttr(c, "disabled"):
			*fields = append(*fields, Field{Name: name, Value: text(c)})
			continue
		case c.DataAtom == atom.Select && name != "" && !hasAttr(c, "disabled"):
			if value, ok := selected(c); ok {
				*fields = append(*fields, Field{Name: name, Value: value})
			}
			continue
		}

		collectFields(c, fields)
	}
}

func inputField(n *html.Node, name string) (Field, bool) {
	switch strings.ToLower(attr(n, "type")) {
	case "checkbox", "radio":
		if !hasAttr(n, "checked") {
			return Field{}, false
		}
		value := attr(n, "value")
		if !hasAttr(n, "value") {
			value = "on"
		}
		return Field{Name: name, Value: value}, true
	case "submit", "button", "reset", "image", "file":
		return Field{}, false
	}

	return Field{Name: name, Value: attr(n, "value")}, true
}

func selected(n *html.Node) (string, bool) {
	var first *html.Node
	var found *html.Node

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil && found == nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Option {
				if first == nil {
					first = c
				}
				if hasAttr(c, "selected") {
					found = c
				}
				continue
			}
			walk(c)
		}
	}
	walk(n)

	if found == nil {
		found = first
	}
	if found == nil {
		return "", false
	}

	if hasAttr(found, "value") {
		return attr(found, "value"), true
	}
	return strings.TrimSpace(text(found)), true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
