package twilio_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/carrier"
	"github.com/voxline/voxline/pkg/carrier/twilio"
)

// startFrame returns a wire-format start event establishing stream identifiers.
func startFrame(streamSID, callSID string) []byte {
	return []byte(`{"event":"start","start":{"streamSid":"` + streamSID + `","callSid":"` + callSID + `"}}`)
}

func TestParse_Lifecycle(t *testing.T) {
	t.Parallel()

	a := twilio.New()

	ev, err := a.Parse([]byte(`{"event":"connected","protocol":"Call"}`))
	if err != nil {
		t.Fatalf("connected: %v", err)
	}
	if _, ok := ev.(carrier.Connected); !ok {
		t.Fatalf("connected: got %T", ev)
	}

	ev, err = a.Parse(startFrame("MZ123", "CA456"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	started, ok := ev.(carrier.Started)
	if !ok {
		t.Fatalf("start: got %T", ev)
	}
	if started.StreamID != "MZ123" || started.CallID != "CA456" {
		t.Fatalf("start ids: got %+v", started)
	}
	if a.StreamID() != "MZ123" || a.CallID() != "CA456" {
		t.Fatalf("adapter ids: stream %q call %q", a.StreamID(), a.CallID())
	}

	ev, err = a.Parse([]byte(`{"event":"stop"}`))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := ev.(carrier.Stopped); !ok {
		t.Fatalf("stop: got %T", ev)
	}
}

func TestParse_Media_Normalises(t *testing.T) {
	t.Parallel()

	a := twilio.New()

	// 160 mulaw bytes = 20 ms at 8 kHz.
	payload := base64.StdEncoding.EncodeToString(make([]byte, 160))
	ev, err := a.Parse([]byte(`{"event":"media","media":{"payload":"` + payload + `"}}`))
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	media, ok := ev.(carrier.Media)
	if !ok {
		t.Fatalf("media: got %T", ev)
	}
	if media.Frame.SampleRate != carrier.IngressRate {
		t.Errorf("sample rate: got %d, want %d", media.Frame.SampleRate, carrier.IngressRate)
	}
	// 20 ms at 16 kHz mono = 320 samples = 640 bytes.
	if len(media.Frame.PCM) != 640 {
		t.Errorf("pcm length: got %d, want 640", len(media.Frame.PCM))
	}
	if media.Frame.Seq != 1 {
		t.Errorf("seq: got %d, want 1", media.Frame.Seq)
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	a := twilio.New()

	if _, err := a.Parse([]byte(`{not json`)); !errors.Is(err, carrier.ErrMalformed) {
		t.Errorf("malformed: got %v", err)
	}
	if _, err := a.Parse([]byte(`{"event":"dtmf"}`)); !errors.Is(err, carrier.ErrUnknownEvent) {
		t.Errorf("unknown event: got %v", err)
	}
	if _, err := a.Parse([]byte(`{"event":"media","media":{"payload":"!!!"}}`)); !errors.Is(err, carrier.ErrMalformed) {
		t.Errorf("bad base64: got %v", err)
	}
}

// TestSend_MediaRoundTrip is the adapter ingress law: parsing a built media
// frame yields the original stream SID and payload.
func TestSend_MediaRoundTrip(t *testing.T) {
	t.Parallel()

	a := twilio.New()
	if _, err := a.Parse(startFrame("MZ777", "CA777")); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 20 ms of silence at the 24 kHz egress rate.
	frames, err := a.Send(carrier.Outbound{PCM: make([]byte, 960), Control: carrier.ControlMark})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("want media + mark frames, got %d", len(frames))
	}

	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(frames[0], &media); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	if media.Event != "media" || media.StreamSID != "MZ777" {
		t.Fatalf("media frame: %+v", media)
	}

	raw, err := base64.StdEncoding.DecodeString(media.Media.Payload)
	if err != nil {
		t.Fatalf("payload base64: %v", err)
	}
	// 480 samples at 24 kHz downsampled to 8 kHz = 160 mulaw bytes.
	if len(raw) != 160 {
		t.Errorf("mulaw length: got %d, want 160", len(raw))
	}

	var mark struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Mark      struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := json.Unmarshal(frames[1], &mark); err != nil {
		t.Fatalf("unmarshal mark: %v", err)
	}
	if mark.Event != "mark" || mark.Mark.Name == "" {
		t.Fatalf("mark frame: %+v", mark)
	}
}

func TestSend_Clear(t *testing.T) {
	t.Parallel()

	a := twilio.New()
	if _, err := a.Parse(startFrame("MZ1", "CA1")); err != nil {
		t.Fatalf("start: %v", err)
	}

	frames, err := a.Send(carrier.Outbound{Control: carrier.ControlClear})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("want 1 frame, got %d", len(frames))
	}
	if string(frames[0]) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Errorf("clear frame: %s", frames[0])
	}
}

// TestEgressAudio_Audible checks that a sine tone survives the 24 kHz →
// mulaw 8 kHz path with non-trivial energy.
func TestEgressAudio_Audible(t *testing.T) {
	t.Parallel()

	a := twilio.New()
	if _, err := a.Parse(startFrame("MZ2", "CA2")); err != nil {
		t.Fatalf("start: %v", err)
	}

	pcm := make([]byte, 960)
	for i := 0; i < len(pcm)/2; i++ {
		s := int16(10000)
		if i%2 == 0 {
			s = -10000
		}
		pcm[i*2] = byte(uint16(s))
		pcm[i*2+1] = byte(uint16(s) >> 8)
	}

	frames, err := a.Send(carrier.Outbound{PCM: pcm})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var media struct {
		Media struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(frames[0], &media); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(media.Media.Payload)
	if rms := audio.RMS(audio.DecodeMulaw(raw)); rms < 0.01 {
		t.Errorf("egress audio RMS too low: %f", rms)
	}
}
