package exotel_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/voxline/voxline/pkg/carrier"
	"github.com/voxline/voxline/pkg/carrier/exotel"
)

func TestParse_Answer(t *testing.T) {
	t.Parallel()

	a := exotel.New()
	ev, err := a.Parse([]byte(`{"type":"answer","streamId":"st1","channelId":"ch1","callId":"call1"}`))
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	ans, ok := ev.(carrier.Answered)
	if !ok {
		t.Fatalf("answer: got %T", ev)
	}
	if ans.StreamID != "st1" || ans.ChannelID != "ch1" || ans.CallID != "call1" {
		t.Fatalf("answer ids: %+v", ans)
	}
	if a.CallID() != "call1" {
		t.Fatalf("adapter call id: %q", a.CallID())
	}
}

func TestSend_AnswerAck(t *testing.T) {
	t.Parallel()

	a := exotel.New()
	frames, err := a.Send(carrier.Outbound{Control: carrier.ControlAnswerAck})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("want 1 frame, got %d", len(frames))
	}
	if string(frames[0]) != `{"type":"answer_ack"}` {
		t.Errorf("ack frame: %s", frames[0])
	}
}

func TestParse_JSONMedia(t *testing.T) {
	t.Parallel()

	a := exotel.New()

	// 441 samples = 10 ms at 44.1 kHz.
	payload := base64.StdEncoding.EncodeToString(make([]byte, 882))
	ev, err := a.Parse([]byte(`{"type":"media","chunk":1,"payload":"` + payload + `"}`))
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	media, ok := ev.(carrier.Media)
	if !ok {
		t.Fatalf("media: got %T", ev)
	}
	if media.Frame.SampleRate != carrier.IngressRate {
		t.Errorf("sample rate: got %d", media.Frame.SampleRate)
	}
	// 10 ms at 16 kHz = 160 samples = 320 bytes.
	if len(media.Frame.PCM) != 320 {
		t.Errorf("pcm length: got %d, want 320", len(media.Frame.PCM))
	}
}

// TestParse_RawBinary exercises the frame-type sniff: anything whose first
// byte is not '{' or '[' is raw 44.1 kHz PCM.
func TestParse_RawBinary(t *testing.T) {
	t.Parallel()

	a := exotel.New()
	raw := make([]byte, 882)
	raw[0] = 0x01

	ev, err := a.Parse(raw)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	media, ok := ev.(carrier.Media)
	if !ok {
		t.Fatalf("raw: got %T", ev)
	}
	if len(media.Frame.PCM) != 320 {
		t.Errorf("pcm length: got %d, want 320", len(media.Frame.PCM))
	}
}

func TestParse_DTMFAndStop(t *testing.T) {
	t.Parallel()

	a := exotel.New()

	ev, err := a.Parse([]byte(`{"type":"dtmf","digit":"5","durationMs":120}`))
	if err != nil {
		t.Fatalf("dtmf: %v", err)
	}
	d, ok := ev.(carrier.DTMF)
	if !ok || d.Digit != "5" || d.DurationMs != 120 {
		t.Fatalf("dtmf: %T %+v", ev, ev)
	}

	ev, err = a.Parse([]byte(`{"type":"stop","disconnectedBy":"remote","callId":"c9","timestamp":1712345678}`))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	s, ok := ev.(carrier.Stopped)
	if !ok || s.DisconnectedBy != "remote" || s.CallID != "c9" {
		t.Fatalf("stop: %T %+v", ev, ev)
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	a := exotel.New()

	if _, err := a.Parse([]byte(`{"type":"subscribe"}`)); !errors.Is(err, carrier.ErrUnknownEvent) {
		t.Errorf("unknown: got %v", err)
	}
	if _, err := a.Parse([]byte(`{"type":`)); !errors.Is(err, carrier.ErrMalformed) {
		t.Errorf("malformed: got %v", err)
	}
}

func TestSend_Media(t *testing.T) {
	t.Parallel()

	a := exotel.New()

	// 10 ms at the 24 kHz egress rate.
	frames, err := a.Send(carrier.Outbound{PCM: make([]byte, 480)})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("want 1 frame, got %d", len(frames))
	}

	var out struct {
		Type    string `json:"type"`
		Chunk   uint64 `json:"chunk"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(frames[0], &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != "media" || out.Chunk != 1 {
		t.Fatalf("media frame: %+v", out)
	}
	raw, err := base64.StdEncoding.DecodeString(out.Payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	// 240 samples upsampled to 44.1 kHz = 441 samples = 882 bytes.
	if len(raw) != 882 {
		t.Errorf("payload length: got %d, want 882", len(raw))
	}
}
