// Package event defines the telemetry data model shared by the batcher,
// the recorder, and the trackers that feed them.
package event

import (
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of a TrackingEvent.
type Type string

const (
	TypePageview         Type = "pageview"
	TypeClick            Type = "click"
	TypeScroll           Type = "scroll"
	TypeError            Type = "error"
	TypeCustom           Type = "custom"
	TypeFormSubmit       Type = "form_submit"
	TypeVisibilityChange Type = "visibility_change"
)

var knownTypes = map[Type]bool{
	TypePageview:         true,
	TypeClick:            true,
	TypeScroll:           true,
	TypeError:            true,
	TypeCustom:           true,
	TypeFormSubmit:       true,
	TypeVisibilityChange: true,
}

// Known reports whether t is one of the supported event kinds.
func (t Type) Known() bool { return knownTypes[t] }

// TrackingEvent is a discrete telemetry event. Type, Timestamp and URL form
// the shared envelope; the remaining fields are populated according to Type.
// Events are treated as immutable once handed to the batcher.
type TrackingEvent struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
	URL       string `json:"url"`

	// pageview
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	Path     string `json:"path,omitempty"`

	// click
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	X        int    `json:"x,omitempty"`
	Y        int    `json:"y,omitempty"`

	// scroll, in percent of the page
	Depth int `json:"depth,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Source  string `json:"source,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`

	// custom
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`

	// form_submit
	FormID     string `json:"formId,omitempty"`
	FormAction string `json:"formAction,omitempty"`

	// visibility_change
	Visible *bool `json:"visible,omitempty"`
}

// Validate checks the envelope and the kind-specific required fields.
func (e TrackingEvent) Validate() error {
	if e.Type == "" {
		return errors.New("type cannot be empty")
	}
	if !e.Type.Known() {
		return fmt.Errorf("invalid event type: %s", e.Type)
	}
	if e.Timestamp <= 0 {
		return errors.New("timestamp must be positive")
	}
	switch e.Type {
	case TypeCustom:
		if e.Name == "" {
			return errors.New("custom event requires a name")
		}
	case TypeError:
		if e.Message == "" {
			return errors.New("error event requires a message")
		}
	case TypeVisibilityChange:
		if e.Visible == nil {
			return errors.New("visibility_change event requires visible")
		}
	}
	return nil
}

// Millis converts t to epoch milliseconds, the timestamp unit on the wire.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// NewPageview returns a pageview event.
func NewPageview(url, title, referrer string) TrackingEvent {
	return TrackingEvent{Type: TypePageview, URL: url, Title: title, Referrer: referrer}
}

// NewClick returns a click event for the element identified by selector.
func NewClick(selector, text string, x, y int) TrackingEvent {
	return TrackingEvent{Type: TypeClick, Selector: selector, Text: text, X: x, Y: y}
}

// NewScroll returns a scroll event; depth is clamped to [0,100].
func NewScroll(depth int) TrackingEvent {
	depth = max(0, min(depth, 100))
	return TrackingEvent{Type: TypeScroll, Depth: depth}
}

// NewError returns an error event.
func NewError(message, stack, source string, line, column int) TrackingEvent {
	return TrackingEvent{Type: TypeError, Message: message, Stack: stack, Source: source, Line: line, Column: column}
}

// NewCustom returns a custom named event.
func NewCustom(name string, props map[string]any) TrackingEvent {
	return TrackingEvent{Type: TypeCustom, Name: name, Properties: props}
}

// NewFormSubmit returns a form_submit event.
func NewFormSubmit(formID, action string) TrackingEvent {
	return TrackingEvent{Type: TypeFormSubmit, FormID: formID, FormAction: action}
}

// NewVisibilityChange returns a visibility_change event.
func NewVisibilityChange(visible bool) TrackingEvent {
	return TrackingEvent{Type: TypeVisibilityChange, Visible: &visible}
}
