package srt

import (
	"strings"

	"github.com/zsiec/fanout/internal/media"
)

// DefaultApp is the application of stream ids that name only a stream.
const DefaultApp = "live"

// Mode is what an SRT peer wants to do with a stream.
type Mode int

const (
	ModePublish Mode = iota
	ModeRequest
)

// ParseStreamID maps an SRT stream id to a stream identity. Two forms are
// accepted:
//
//	app/stream, /app/stream or stream   publish
//	#!::h=vhost,r=app/stream,m=publish  access-control syntax; m defaults to request
//
// It returns false if no stream name can be found.
func ParseStreamID(sid, defaultVhost string) (media.StreamID, Mode, bool) {
	id := media.StreamID{Vhost: defaultVhost, App: DefaultApp}
	if rest, ok := strings.CutPrefix(sid, "#!::"); ok {
		mode := ModeRequest
		var resource string
		for _, kv := range strings.Split(rest, ",") {
			k, v, _ := strings.Cut(kv, "=")
			switch strings.TrimSpace(k) {
			case "h":
				if v != "" {
					id.Vhost = v
				}
			case "r":
				resource = v
			case "m":
				if v == "publish" {
					mode = ModePublish
				}
			}
		}
		return splitResource(id, resource, mode)
	}
	return splitResource(id, sid, ModePublish)
}

func splitResource(id media.StreamID, resource string, mode Mode) (media.StreamID, Mode, bool) {
	resource = strings.Trim(resource, "/")
	app, stream, found := strings.Cut(resource, "/")
	if !found {
		stream = app
		app = ""
	}
	if app != "" {
		id.App = app
	}
	if stream == "" {
		return id, mode, false
	}
	id.Stream = stream
	return id, mode, true
}
