package event

import "testing"

func TestValidate(t *testing.T) {
	visible := true
	tests := []struct {
		name      string
		event     TrackingEvent
		wantError bool
	}{
		{
			name:  "valid pageview",
			event: TrackingEvent{Type: TypePageview, Timestamp: 1234567890, URL: "https://example.com"},
		},
		{
			name:      "empty type",
			event:     TrackingEvent{Timestamp: 1234567890},
			wantError: true,
		},
		{
			name:      "unknown type",
			event:     TrackingEvent{Type: "navigate", Timestamp: 1234567890},
			wantError: true,
		},
		{
			name:      "zero timestamp",
			event:     TrackingEvent{Type: TypeClick},
			wantError: true,
		},
		{
			name:      "custom without name",
			event:     TrackingEvent{Type: TypeCustom, Timestamp: 1},
			wantError: true,
		},
		{
			name:  "custom with name",
			event: TrackingEvent{Type: TypeCustom, Timestamp: 1, Name: "signup"},
		},
		{
			name:      "error without message",
			event:     TrackingEvent{Type: TypeError, Timestamp: 1},
			wantError: true,
		},
		{
			name:      "visibility without flag",
			event:     TrackingEvent{Type: TypeVisibilityChange, Timestamp: 1},
			wantError: true,
		},
		{
			name:  "visibility with flag",
			event: TrackingEvent{Type: TypeVisibilityChange, Timestamp: 1, Visible: &visible},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestNewScrollClampsDepth(t *testing.T) {
	if got := NewScroll(150).Depth; got != 100 {
		t.Errorf("NewScroll(150).Depth = %d, want 100", got)
	}
	if got := NewScroll(-3).Depth; got != 0 {
		t.Errorf("NewScroll(-3).Depth = %d, want 0", got)
	}
}

func TestConstructorsSetType(t *testing.T) {
	cases := map[Type]TrackingEvent{
		TypePageview:         NewPageview("u", "t", "r"),
		TypeClick:            NewClick("#buy", "Buy", 1, 2),
		TypeScroll:           NewScroll(50),
		TypeError:            NewError("boom", "", "", 0, 0),
		TypeCustom:           NewCustom("x", nil),
		TypeFormSubmit:       NewFormSubmit("f", "/submit"),
		TypeVisibilityChange: NewVisibilityChange(false),
	}
	for want, ev := range cases {
		if ev.Type != want {
			t.Errorf("constructor for %s produced type %s", want, ev.Type)
		}
	}
}
