package fmp4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zsiec/fanout/internal/media"
)

// 1280x720 High profile SPS.
var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
)

func boxType(b []byte) string {
	if len(b) < 8 {
		return ""
	}
	return string(b[4:8])
}

func boxes(b []byte) []string {
	var out []string
	for len(b) >= 8 {
		size := int(binary.BigEndian.Uint32(b))
		if size < 8 || size > len(b) {
			break
		}
		out = append(out, boxType(b))
		b = b[size:]
	}
	return out
}

func TestInitSegment(t *testing.T) {
	t.Parallel()

	aac, err := media.AACTrack(48000, 2)
	if err != nil {
		t.Fatal(err)
	}
	f, err := NewFragmenter([]*media.Track{
		{Kind: media.KindVideo, Codec: media.CodecH264, SPS: testSPS, PPS: testPPS},
		aac,
	})
	if err != nil {
		t.Fatalf("NewFragmenter: %v", err)
	}
	init, err := f.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	got := boxes(init)
	if len(got) != 2 || got[0] != "ftyp" || got[1] != "moov" {
		t.Errorf("init boxes: got %v, want [ftyp moov]", got)
	}
}

func TestFragmentBoxes(t *testing.T) {
	t.Parallel()

	f, err := NewFragmenter([]*media.Track{{Kind: media.KindVideo, Codec: media.CodecH264, SPS: testSPS, PPS: testPPS}})
	if err != nil {
		t.Fatal(err)
	}
	au := media.JoinAnnexB([][]byte{testSPS, testPPS, {0x65, 0x88, 0x84}})
	frag, err := f.Fragment(&media.Frame{Kind: media.KindVideo, Codec: media.CodecH264, Key: true, Data: au})
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	got := boxes(frag)
	if len(got) != 2 || got[0] != "moof" || got[1] != "mdat" {
		t.Fatalf("fragment boxes: got %v, want [moof mdat]", got)
	}
	// mdat carries only the slice, length-prefixed.
	if !bytes.HasSuffix(frag, []byte{0, 0, 0, 3, 0x65, 0x88, 0x84}) {
		t.Error("mdat does not end with the AVCC slice")
	}

	if out, _ := f.Fragment(&media.Frame{Kind: media.KindVideo, Codec: media.CodecH264, Config: true, Data: media.JoinAnnexB([][]byte{testSPS})}); out != nil {
		t.Error("parameter-set-only frame should produce no fragment")
	}
	if out, _ := f.Fragment(&media.Frame{Kind: media.KindAudio, Data: []byte{1}}); out != nil {
		t.Error("frame of unregistered kind should produce no fragment")
	}
}

func TestNoSupportedTracks(t *testing.T) {
	t.Parallel()

	_, err := NewFragmenter([]*media.Track{{Kind: media.KindAudio, Codec: media.CodecG711A, SampleRate: 8000}})
	if !errors.Is(err, ErrNoTracks) {
		t.Errorf("got %v, want ErrNoTracks", err)
	}
}

func TestSinkHeaderIsInit(t *testing.T) {
	t.Parallel()

	s := NewSink(media.StreamID{}, false, 0, nil)
	aac, _ := media.AACTrack(44100, 2)
	if !s.AddTrack(aac) {
		t.Fatal("AAC rejected")
	}
	if s.AddTrack(&media.Track{Kind: media.KindVideo, Codec: "VP8"}) {
		t.Error("VP8 should be rejected")
	}
	s.AddTrackCompleted()
	hdr := s.Header()
	if len(hdr) != 1 || boxType(hdr[0].Data) != "ftyp" {
		t.Fatal("header should be the init segment")
	}
	if !s.InputFrame(&media.Frame{Kind: media.KindAudio, Codec: media.CodecAAC, DTS: 0, PTS: 0, Data: []byte{0x21}}) {
		t.Error("audio frame rejected")
	}
}
