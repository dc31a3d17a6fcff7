// Package acceptor holds the standard routing predicates.
package acceptor

import (
	"fmt"
	"regexp"

	"go-gateway/internal/routing"
	"go-gateway/pkg/models"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// fieldValue reads a message field. The core fields source, destination
// and reference are addressable by name; anything else is a property.
func fieldValue(msg *models.Message, field string) (string, bool) {
	switch field {
	case "source":
		return msg.Source, msg.Source != ""
	case "destination":
		return msg.Destination, msg.Destination != ""
	case "reference":
		return msg.Reference, msg.Reference != ""
	}
	if _, ok := msg.Property(field); !ok {
		return "", false
	}
	return msg.PropertyString(field), true
}

// AcceptAll accepts every message.
type AcceptAll struct{}

func (AcceptAll) Accepts(*models.Message) (bool, error) {
	return true, nil
}

// ExactMatch accepts messages whose field equals Value.
type ExactMatch struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (a *ExactMatch) Configure() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Field, validation.Required),
	)
}

func (a *ExactMatch) Destroy() error { return nil }

func (a *ExactMatch) Accepts(msg *models.Message) (bool, error) {
	v, ok := fieldValue(msg, a.Field)
	return ok && v == a.Value, nil
}

func (a *ExactMatch) String() string {
	return fmt.Sprintf("ExactMatch[%s=%s]", a.Field, a.Value)
}

// RegExp accepts messages whose field fully matches Pattern.
type RegExp struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"`

	re *regexp.Regexp
}

func (a *RegExp) Configure() error {
	if err := validation.ValidateStruct(a,
		validation.Field(&a.Field, validation.Required),
		validation.Field(&a.Pattern, validation.Required),
	); err != nil {
		return err
	}
	re, err := regexp.Compile("^(?:" + a.Pattern + ")$")
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", a.Pattern, err)
	}
	a.re = re
	return nil
}

func (a *RegExp) Destroy() error { return nil }

// Accepts fails when the acceptor was never configured.
func (a *RegExp) Accepts(msg *models.Message) (bool, error) {
	if a.re == nil {
		return false, fmt.Errorf("regexp acceptor on %q is not configured", a.Field)
	}
	v, ok := fieldValue(msg, a.Field)
	return ok && a.re.MatchString(v), nil
}

func (a *RegExp) String() string {
	return fmt.Sprintf("RegExp[%s~%s]", a.Field, a.Pattern)
}

// And accepts when every nested acceptor does. An empty And accepts nothing.
type And struct {
	Acceptors []routing.Acceptor
}

func NewAnd(acceptors ...routing.Acceptor) *And {
	return &And{Acceptors: acceptors}
}

func (a *And) Configure() error {
	for _, nested := range a.Acceptors {
		if c, ok := nested.(routing.Configurable); ok {
			if err := c.Configure(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *And) Destroy() error {
	for _, nested := range a.Acceptors {
		if c, ok := nested.(routing.Configurable); ok {
			if err := c.Destroy(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *And) Accepts(msg *models.Message) (bool, error) {
	if len(a.Acceptors) == 0 {
		return false, nil
	}
	for _, nested := range a.Acceptors {
		ok, err := nested.Accepts(msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
