package codec

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"deskrelay/models"
)

// Input event kinds.
const (
	InputMove   = "move"
	InputClick  = "click"
	InputScroll = "scroll"
	InputKey    = "key"
	InputText   = "text"
)

// InputEvent is a single pointer or keyboard event. Coordinates are in
// the controller's view space; ViewWidth/ViewHeight declare that space
// so the target can remap into its native resolution before injection.
type InputEvent struct {
	Kind       string `cbor:"kind" json:"kind"`
	X          int    `cbor:"x,omitempty" json:"x,omitempty"`
	Y          int    `cbor:"y,omitempty" json:"y,omitempty"`
	Button     string `cbor:"button,omitempty" json:"button,omitempty"`
	Clicks     int    `cbor:"clicks,omitempty" json:"clicks,omitempty"`
	ScrollX    int    `cbor:"scroll_x,omitempty" json:"scroll_x,omitempty"`
	ScrollY    int    `cbor:"scroll_y,omitempty" json:"scroll_y,omitempty"`
	KeyCode    int    `cbor:"key_code,omitempty" json:"key_code,omitempty"`
	Modifiers  int    `cbor:"modifiers,omitempty" json:"modifiers,omitempty"`
	Pressed    bool   `cbor:"pressed,omitempty" json:"pressed,omitempty"`
	Text       string `cbor:"text,omitempty" json:"text,omitempty"`
	ViewWidth  int    `cbor:"view_width,omitempty" json:"view_width,omitempty"`
	ViewHeight int    `cbor:"view_height,omitempty" json:"view_height,omitempty"`
}

// MarshalEvent encodes an input event for encryption and transport.
func MarshalEvent(ev InputEvent) ([]byte, error) {
	data, err := cbor.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode input event: %w", err)
	}
	return data, nil
}

// UnmarshalEvent decodes a decrypted input event payload.
func UnmarshalEvent(data []byte) (InputEvent, error) {
	var ev InputEvent
	if err := cbor.Unmarshal(data, &ev); err != nil {
		return InputEvent{}, fmt.Errorf("decode input event: %w", err)
	}
	return ev, nil
}

// Remapper maps controller-view coordinates into the target's native
// resolution. A resolution change on the target invalidates the cached
// source via SetSource; events with an unknown or zero view pass
// through unchanged.
type Remapper struct {
	mu     sync.Mutex
	source models.Resolution
}

func NewRemapper(source models.Resolution) *Remapper {
	return &Remapper{source: source}
}

// SetSource replaces the native resolution after a display change.
func (r *Remapper) SetSource(res models.Resolution) {
	r.mu.Lock()
	r.source = res
	r.mu.Unlock()
}

func (r *Remapper) Source() models.Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Map rewrites the event's coordinates in place from view space to
// source space.
func (r *Remapper) Map(ev *InputEvent) {
	if ev.ViewWidth <= 0 || ev.ViewHeight <= 0 {
		return
	}
	r.mu.Lock()
	source := r.source
	r.mu.Unlock()
	if source.IsZero() {
		return
	}
	ev.X = ev.X * source.Width / ev.ViewWidth
	ev.Y = ev.Y * source.Height / ev.ViewHeight
	ev.ViewWidth, ev.ViewHeight = source.Width, source.Height
}
