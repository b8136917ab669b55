package srt

import (
	"testing"

	"github.com/zsiec/fanout/internal/media"
)

func TestParseStreamID(t *testing.T) {
	t.Parallel()

	const vh = "__defaultVhost__"
	tests := []struct {
		name     string
		streamID string
		want     media.StreamID
		mode     Mode
		ok       bool
	}{
		{name: "simple key", streamID: "camera1", want: media.StreamID{Vhost: vh, App: "live", Stream: "camera1"}, ok: true},
		{name: "leading slash", streamID: "/camera1", want: media.StreamID{Vhost: vh, App: "live", Stream: "camera1"}, ok: true},
		{name: "live prefix", streamID: "live/camera1", want: media.StreamID{Vhost: vh, App: "live", Stream: "camera1"}, ok: true},
		{name: "custom app", streamID: "/studio/camera1", want: media.StreamID{Vhost: vh, App: "studio", Stream: "camera1"}, ok: true},
		{name: "live in name preserved", streamID: "liveshow", want: media.StreamID{Vhost: vh, App: "live", Stream: "liveshow"}, ok: true},
		{name: "empty rejected", streamID: "", ok: false},
		{name: "just slash rejected", streamID: "/", ok: false},
		{name: "just app rejected", streamID: "live/", ok: false},
		{
			name:     "access control publish",
			streamID: "#!::h=example.com,r=app/cam,m=publish",
			want:     media.StreamID{Vhost: "example.com", App: "app", Stream: "cam"},
			mode:     ModePublish,
			ok:       true,
		},
		{
			name:     "access control defaults to request",
			streamID: "#!::r=live/cam",
			want:     media.StreamID{Vhost: vh, App: "live", Stream: "cam"},
			mode:     ModeRequest,
			ok:       true,
		},
		{name: "access control without resource", streamID: "#!::m=publish", ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, mode, ok := ParseStreamID(tc.streamID, vh)
			if ok != tc.ok {
				t.Fatalf("ParseStreamID(%q) ok = %v, want %v", tc.streamID, ok, tc.ok)
			}
			if !ok {
				return
			}
			if got != tc.want {
				t.Errorf("ParseStreamID(%q) = %v, want %v", tc.streamID, got, tc.want)
			}
			if mode != tc.mode {
				t.Errorf("mode: got %d, want %d", mode, tc.mode)
			}
		})
	}
}

func TestPullRequestDefaults(t *testing.T) {
	t.Parallel()

	req := PullRequest{Address: "10.0.0.1:9000", Stream: "cam"}
	if got, want := req.ID("vh"), (media.StreamID{Vhost: "vh", App: "live", Stream: "cam"}); got != want {
		t.Errorf("id: got %v, want %v", got, want)
	}
	if got, want := req.Origin(), "srt://10.0.0.1:9000?streamid=live%2Fcam"; got != want {
		t.Errorf("origin: got %q, want %q", got, want)
	}
}
