package codec

import (
	"bytes"
	"testing"

	"deskrelay/models"
)

func testFramePayload() []byte {
	// Synthetic frame with enough repetition to compress.
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	return payload
}

func TestZstdRoundTrip(t *testing.T) {
	c, err := NewZstdCodec()
	if err != nil {
		t.Fatalf("new zstd codec: %v", err)
	}
	payload := testFramePayload()

	for _, q := range []Quality{QualityLow, QualityNormal, QualityHigh} {
		compressed, err := c.Compress(payload, q)
		if err != nil {
			t.Fatalf("compress at %s: %v", q, err)
		}
		if len(compressed) >= len(payload) {
			t.Errorf("no compression at %s: %d >= %d", q, len(compressed), len(payload))
		}
		out, err := c.Decompress(compressed)
		if err != nil {
			t.Fatalf("decompress at %s: %v", q, err)
		}
		if !bytes.Equal(out, payload) {
			t.Errorf("round trip mismatch at %s", q)
		}
	}
}

func TestLZ4RoundTrip(t *testing.T) {
	c := NewLZ4Codec()
	payload := testFramePayload()

	compressed, err := c.Compress(payload, QualityNormal)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	out, err := c.Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("round trip mismatch")
	}
}

func TestZstdRejectsGarbage(t *testing.T) {
	c, _ := NewZstdCodec()
	if _, err := c.Decompress([]byte("not a zstd stream")); err == nil {
		t.Error("garbage input decompressed without error")
	}
}

func TestRegistryResolvesByName(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	for _, name := range []string{"zstd", "lz4"} {
		c, ok := r.Get(name)
		if !ok {
			t.Fatalf("codec %s missing", name)
		}
		if c.Name() != name {
			t.Errorf("codec %s reports name %s", name, c.Name())
		}
	}
	if _, ok := r.Get("h264"); ok {
		t.Error("unknown codec resolved")
	}
}

func TestQualityLower(t *testing.T) {
	if QualityHigh.Lower() != QualityNormal {
		t.Error("high should lower to normal")
	}
	if QualityLow.Lower() != QualityLow {
		t.Error("low must saturate")
	}
}

func TestWireFrameRoundTrip(t *testing.T) {
	in := FrameMessage{
		SessionID: "s-1",
		Sequence:  42,
		Width:     1920,
		Height:    1080,
		Codec:     "zstd",
		Data:      []byte{1, 2, 3},
	}
	wire, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := DecodeBinary(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := msg.(*FrameMessage)
	if !ok {
		t.Fatalf("decoded %T, want *FrameMessage", msg)
	}
	if out.SessionID != in.SessionID || out.Sequence != in.Sequence || out.Codec != in.Codec {
		t.Errorf("fields lost: %+v", out)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Error("data lost")
	}
}

func TestWireInputRoundTrip(t *testing.T) {
	wire, err := EncodeInput(InputMessage{SessionID: "s-1", Sequence: 7, Data: []byte{9}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := DecodeBinary(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out, ok := msg.(*InputMessage); !ok || out.Sequence != 7 {
		t.Errorf("decoded %#v", msg)
	}
}

func TestDecodeBinaryRejectsUnknownKind(t *testing.T) {
	if _, err := DecodeBinary([]byte{0x7F, 0x00, 0x00}); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := DecodeBinary([]byte{0x01}); err == nil {
		t.Error("short message accepted")
	}
	if _, err := DecodeBinary(nil); err == nil {
		t.Error("empty message accepted")
	}
}

func TestInputEventRoundTrip(t *testing.T) {
	in := InputEvent{
		Kind:       InputClick,
		X:          100,
		Y:          200,
		Button:     "left",
		Clicks:     2,
		ViewWidth:  1280,
		ViewHeight: 720,
	}
	data, err := MarshalEvent(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := UnmarshalEvent(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestRemapperScalesIntoSource(t *testing.T) {
	r := NewRemapper(models.Resolution{Width: 3840, Height: 2160})

	ev := InputEvent{Kind: InputMove, X: 640, Y: 360, ViewWidth: 1280, ViewHeight: 720}
	r.Map(&ev)
	if ev.X != 1920 || ev.Y != 1080 {
		t.Errorf("mapped to (%d, %d), want (1920, 1080)", ev.X, ev.Y)
	}

	// A resolution change takes effect for subsequent events.
	r.SetSource(models.Resolution{Width: 1920, Height: 1080})
	ev = InputEvent{Kind: InputMove, X: 1280, Y: 720, ViewWidth: 1280, ViewHeight: 720}
	r.Map(&ev)
	if ev.X != 1920 || ev.Y != 1080 {
		t.Errorf("mapped to (%d, %d) after change, want (1920, 1080)", ev.X, ev.Y)
	}
}

func TestRemapperPassesThroughWithoutViewSpace(t *testing.T) {
	r := NewRemapper(models.Resolution{Width: 1920, Height: 1080})

	// Key events carry no coordinates.
	ev := InputEvent{Kind: InputKey, KeyCode: 65, Pressed: true}
	r.Map(&ev)
	if ev.X != 0 || ev.Y != 0 {
		t.Errorf("coordinates invented: (%d, %d)", ev.X, ev.Y)
	}

	// Zero source resolution leaves events alone.
	r.SetSource(models.Resolution{})
	ev = InputEvent{Kind: InputMove, X: 10, Y: 10, ViewWidth: 100, ViewHeight: 100}
	r.Map(&ev)
	if ev.X != 10 || ev.Y != 10 {
		t.Errorf("zero source still remapped: (%d, %d)", ev.X, ev.Y)
	}
}
