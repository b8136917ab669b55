package media

// Silent-audio parameters. The frame below is one AAC-LC mono access unit
// of digital silence at 44.1 kHz.
const (
	MuteSampleRate = 44100
	MuteChannels   = 1
	muteSamples    = 1024
)

var muteAU = []byte{0x01, 0x40, 0x20, 0x07}

// MuteAudio generates silent AAC frames paced by another track's clock.
// It fills the gap between the last emitted audio frame and the given
// timestamp, so a video-only stream gains a continuous audio track.
type MuteAudio struct {
	next    float64
	started bool
}

// frameMs is the duration of one silent access unit in milliseconds.
const frameMs = float64(muteSamples) * 1000 / MuteSampleRate

// NewMuteAudioTrack returns the track description matching the frames
// produced by MuteAudio.
func NewMuteAudioTrack() *Track {
	t, err := AACTrack(MuteSampleRate, MuteChannels)
	if err != nil {
		// 44100/1 always encodes.
		panic(err)
	}
	return t
}

// Until returns the silent frames needed to cover time up to and including
// stamp. The first call anchors the silent timeline at stamp.
func (m *MuteAudio) Until(stamp int64) []*Frame {
	if !m.started {
		m.started = true
		m.next = float64(stamp)
	}
	var out []*Frame
	for m.next <= float64(stamp) {
		ts := int64(m.next)
		out = append(out, &Frame{
			Kind:  KindAudio,
			Codec: CodecAAC,
			DTS:   ts,
			PTS:   ts,
			Key:   true,
			Data:  muteAU,
		})
		m.next += frameMs
	}
	return out
}

// Reset restarts the silent timeline.
func (m *MuteAudio) Reset() {
	*m = MuteAudio{}
}
