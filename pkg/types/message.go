package types

// MessageKind defines the type of runtime message delivered to a page session.
type MessageKind string

const (
	KindSettingChanged MessageKind = "SETTING_CHANGED" // KindSettingChanged toggles or reconfigures a feature.
	KindApplyValue     MessageKind = "APPLY_VALUE"     // KindApplyValue pushes a non-boolean value (e.g. an icon size) to a live unit.
	KindQueryState     MessageKind = "QUERY_STATE"     // KindQueryState asks a unit about the current page; answered with Found.
	KindCopyText       MessageKind = "COPY_TEXT"       // KindCopyText asks the copy unit to place an ID or URL on the clipboard.
)

// Message is the runtime message shape exchanged between the popup, the
// background relay and page sessions.
type Message struct {
	// Kind indicates the kind of message.
	Kind MessageKind `json:"kind"`

	// Feature is the feature name the message targets.
	Feature string `json:"feature"`

	// Enabled is set for on/off toggles.
	Enabled *bool `json:"enabled,omitempty"`

	// Value carries configuration or a feature-specific payload.
	Value any `json:"value,omitempty"`
}

// Response is returned to the message sender.
type Response struct {
	// Handled reports whether any component acted on the message.
	Handled bool `json:"handled"`

	// Found answers status queries.
	Found bool `json:"found"`

	// Value carries an optional feature-specific answer.
	Value any `json:"value,omitempty"`
}

// NewToggleMessage creates a SETTING_CHANGED message that turns a feature on or off.
func NewToggleMessage(feature string, enabled bool) Message {
	return Message{
		Kind:    KindSettingChanged,
		Feature: feature,
		Enabled: &enabled,
	}
}

// NewValueMessage creates an APPLY_VALUE message.
func NewValueMessage(feature string, value any) Message {
	return Message{
		Kind:    KindApplyValue,
		Feature: feature,
		Value:   value,
	}
}

// NewQueryMessage creates a QUERY_STATE message.
func NewQueryMessage(feature string) Message {
	return Message{
		Kind:    KindQueryState,
		Feature: feature,
	}
}

// IsToggle reports whether the message carries an explicit on/off state.
func (m Message) IsToggle() bool {
	return m.Kind == KindSettingChanged && m.Enabled != nil
}
