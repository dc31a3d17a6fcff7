// Package action holds the standard pipeline actions. Every action operates
// on message properties.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go-gateway/internal/observability"
	"go-gateway/internal/routing"
	"go-gateway/pkg/models"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// AddPrefix prepends Prefix to a string property when present.
type AddPrefix struct {
	Field  string `json:"field"`
	Prefix string `json:"prefix"`
}

func (a *AddPrefix) Configure() error {
	return validation.ValidateStruct(a, validation.Field(&a.Field, validation.Required))
}

func (a *AddPrefix) Destroy() error { return nil }

func (a *AddPrefix) Execute(_ context.Context, _ routing.Execution, msg *models.Message) error {
	if _, ok := msg.Property(a.Field); ok {
		msg.SetProperty(a.Field, a.Prefix+msg.PropertyString(a.Field))
	}
	return nil
}

// AddSuffix appends Suffix to a string property when present.
type AddSuffix struct {
	Field  string `json:"field"`
	Suffix string `json:"suffix"`
}

func (a *AddSuffix) Configure() error {
	return validation.ValidateStruct(a, validation.Field(&a.Field, validation.Required))
}

func (a *AddSuffix) Destroy() error { return nil }

func (a *AddSuffix) Execute(_ context.Context, _ routing.Execution, msg *models.Message) error {
	if _, ok := msg.Property(a.Field); ok {
		msg.SetProperty(a.Field, msg.PropertyString(a.Field)+a.Suffix)
	}
	return nil
}

// Update sets a property to a fixed value.
type Update struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (a *Update) Configure() error {
	return validation.ValidateStruct(a, validation.Field(&a.Field, validation.Required))
}

func (a *Update) Destroy() error { return nil }

func (a *Update) Execute(_ context.Context, _ routing.Execution, msg *models.Message) error {
	msg.SetProperty(a.Field, a.Value)
	return nil
}

// Remove deletes a property.
type Remove struct {
	Field string `json:"field"`
}

func (a *Remove) Configure() error {
	return validation.ValidateStruct(a, validation.Field(&a.Field, validation.Required))
}

func (a *Remove) Destroy() error { return nil }

func (a *Remove) Execute(_ context.Context, _ routing.Execution, msg *models.Message) error {
	msg.RemoveProperty(a.Field)
	return nil
}

// Copy copies From into To, optionally deleting From.
type Copy struct {
	From       string `json:"from"`
	To         string `json:"to"`
	DeleteFrom bool   `json:"delete_from"`
}

func (a *Copy) Configure() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.From, validation.Required),
		validation.Field(&a.To, validation.Required),
	)
}

func (a *Copy) Destroy() error { return nil }

func (a *Copy) Execute(_ context.Context, _ routing.Execution, msg *models.Message) error {
	v, ok := msg.Property(a.From)
	if !ok || v == nil {
		return nil
	}
	msg.SetProperty(a.To, v)
	if a.DeleteFrom {
		msg.RemoveProperty(a.From)
	}
	return nil
}

// Replace applies regular-expression replacements to a non-empty property.
// Replacements run in lexical order of their patterns.
type Replace struct {
	Field        string            `json:"field"`
	Replacements map[string]string `json:"replace"`

	compiled []replacement
}

type replacement struct {
	re   *regexp.Regexp
	with string
}

func (a *Replace) Configure() error {
	if err := validation.ValidateStruct(a, validation.Field(&a.Field, validation.Required)); err != nil {
		return err
	}

	patterns := make([]string, 0, len(a.Replacements))
	for p := range a.Replacements {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	a.compiled = make([]replacement, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		a.compiled = append(a.compiled, replacement{re: re, with: a.Replacements[p]})
	}
	return nil
}

func (a *Replace) Destroy() error { return nil }

func (a *Replace) Execute(_ context.Context, _ routing.Execution, msg *models.Message) error {
	if a.compiled == nil && len(a.Replacements) > 0 {
		return fmt.Errorf("replace action on %q is not configured", a.Field)
	}
	value := msg.PropertyString(a.Field)
	if value == "" {
		return nil
	}
	for _, r := range a.compiled {
		value = r.re.ReplaceAllString(value, r.with)
	}
	msg.SetProperty(a.Field, value)
	return nil
}

// Concat joins the non-empty values of Fields with Separator into DestField.
type Concat struct {
	Fields    []string `json:"fields"`
	Separator string   `json:"separator"`
	DestField string   `json:"dest_field"`
}

func (a *Concat) Configure() error {
	if a.Separator == "" {
		a.Separator = "-"
	}
	return validation.ValidateStruct(a, validation.Field(&a.DestField, validation.Required))
}

func (a *Concat) Destroy() error { return nil }

func (a *Concat) Execute(_ context.Context, _ routing.Execution, msg *models.Message) error {
	parts := make([]string, 0, len(a.Fields))
	for _, f := range a.Fields {
		if v := msg.PropertyString(f); v != "" {
			parts = append(parts, v)
		}
	}
	msg.SetProperty(a.DestField, strings.Join(parts, a.Separator))
	return nil
}

// PadRight pads a property with spaces up to Length.
type PadRight struct {
	Field  string `json:"field"`
	Length int    `json:"length"`
}

func (a *PadRight) Configure() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Field, validation.Required),
		validation.Field(&a.Length, validation.Required, validation.Min(1)),
	)
}

func (a *PadRight) Destroy() error { return nil }

func (a *PadRight) Execute(_ context.Context, _ routing.Execution, msg *models.Message) error {
	value := msg.PropertyString(a.Field)
	if missing := a.Length - len([]rune(value)); missing > 0 {
		msg.SetProperty(a.Field, value+strings.Repeat(" ", missing))
	}
	return nil
}

// ParseJSON decodes a JSON object held in Field and merges its keys into
// the message properties. Undecodable input is logged and ignored.
type ParseJSON struct {
	Field string `json:"field"`
}

func (a *ParseJSON) Configure() error {
	return validation.ValidateStruct(a, validation.Field(&a.Field, validation.Required))
}

func (a *ParseJSON) Destroy() error { return nil }

func (a *ParseJSON) Execute(_ context.Context, _ routing.Execution, msg *models.Message) error {
	body := msg.PropertyString(a.Field)
	var data map[string]any
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		observability.WithField("reference", msg.Reference).WithError(err).Warn("Failed to parse JSON property")
		return nil
	}
	for k, v := range data {
		msg.SetProperty(k, v)
	}
	return nil
}
