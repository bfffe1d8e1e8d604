package ffmsgo

import (
	"testing"

	"github.com/ffms2go/ffms2go/internal/indexstore"
	coretrack "github.com/ffms2go/ffms2go/internal/track"
)

func TestRegisterAndLookupVideoDecoder(t *testing.T) {
	RegisterVideoDecoder("test-codec", func(info StreamInfo, threads int) (VideoDecoder, error) {
		return nil, nil
	})

	factory, ok := lookupVideoDecoder("test-codec")
	if !ok {
		t.Fatal("expected registered factory to be found")
	}
	if factory == nil {
		t.Fatal("expected non-nil factory")
	}

	if _, ok := lookupVideoDecoder("no-such-codec"); ok {
		t.Fatal("expected lookup for unregistered codec to fail")
	}
}

func TestRegisterAndLookupAudioDecoder(t *testing.T) {
	RegisterAudioDecoder("test-audio-codec", func(info StreamInfo) (AudioDecoder, error) {
		return nil, nil
	})

	if _, ok := lookupAudioDecoder("test-audio-codec"); !ok {
		t.Fatal("expected registered factory to be found")
	}
}

func TestOpenVideoSourceRejectsOutOfRangeTrack(t *testing.T) {
	ix := &Index{Tracks: []*coretrack.TrackTable{
		coretrack.NewTable(coretrack.Video, 1, 90000),
	}}

	if _, err := OpenVideoSource("unused.ts", ix, 5, 1, LinearNoRewind); err == nil {
		t.Fatal("expected error for out-of-range track")
	}
}

func TestOpenVideoSourceRejectsAudioTrack(t *testing.T) {
	ix := &Index{Tracks: []*coretrack.TrackTable{
		coretrack.NewTable(coretrack.Audio, 1, 48000),
	}}

	if _, err := OpenVideoSource("unused.ts", ix, 0, 1, LinearNoRewind); err == nil {
		t.Fatal("expected error when track 0 is an audio track")
	}
}

func TestOpenAudioSourceRejectsVideoTrack(t *testing.T) {
	ix := &Index{Tracks: []*coretrack.TrackTable{
		coretrack.NewTable(coretrack.Video, 1, 90000),
	}}

	if _, err := OpenAudioSource("unused.ts", ix, 0, false, false, 1.0); err == nil {
		t.Fatal("expected error when track 0 is a video track")
	}
}

func TestPtsToSamples(t *testing.T) {
	// One second at a 90kHz timebase, 48kHz sample rate, should be exactly
	// one second's worth of samples.
	got := ptsToSamples(90000, 1, 90000, 48000)
	if got != 48000 {
		t.Fatalf("ptsToSamples() = %d, want 48000", got)
	}
}

func TestPtsToSamplesZeroSampleRate(t *testing.T) {
	if got := ptsToSamples(90000, 1, 90000, 0); got != 0 {
		t.Fatalf("ptsToSamples() with zero sample rate = %d, want 0", got)
	}
}

func TestBytesPerSample(t *testing.T) {
	cases := map[string]int{
		"s16": 2,
		"u8":  1,
		"flt": 4,
		"dbl": 8,
		"":    2,
	}
	for format, want := range cases {
		if got := bytesPerSample(format); got != want {
			t.Errorf("bytesPerSample(%q) = %d, want %d", format, got, want)
		}
	}
}

func TestDefaultComponentsZeroValueFallback(t *testing.T) {
	var zero ComponentVersions
	if zero == DefaultComponents {
		t.Fatal("DefaultComponents should not equal the zero value, or the fallback check in BuildIndex would never trigger")
	}
}

func TestErrorHandlingModeAliasesMatchIndexstore(t *testing.T) {
	if Abort != ErrorHandlingMode(indexstore.Abort) {
		t.Fatal("Abort alias mismatch")
	}
	if ClearTrack != ErrorHandlingMode(indexstore.ClearTrack) {
		t.Fatal("ClearTrack alias mismatch")
	}
}
