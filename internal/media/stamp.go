package media

// maxStampJump is the largest DTS step, in milliseconds, accepted as
// continuous. Larger forward jumps and any backward step are treated as a
// discontinuity (source restart, wrap) and folded into the running offset.
const maxStampJump = 10_000

// defaultStampStep replaces a discontinuous step so output time keeps
// moving forward.
const defaultStampStep = 1

// Stamp rewrites one track's timestamps into a relative, monotonic
// timeline starting at zero. It is not safe for concurrent use; the muxer
// keeps one per track kind on its frame path.
type Stamp struct {
	started  bool
	lastIn   int64
	relative int64
}

// Revise maps an input DTS/PTS pair into the output timeline. The
// composition offset (PTS-DTS) is preserved.
func (s *Stamp) Revise(dts, pts int64) (int64, int64) {
	offset := pts - dts
	if offset < 0 {
		offset = 0
	}
	if !s.started {
		s.started = true
		s.lastIn = dts
		s.relative = 0
		return 0, offset
	}

	step := dts - s.lastIn
	if step < 0 || step > maxStampJump {
		step = defaultStampStep
	}
	s.lastIn = dts
	s.relative += step
	return s.relative, s.relative + offset
}

// Reset forgets the timeline so the next frame starts again at zero.
func (s *Stamp) Reset() {
	*s = Stamp{}
}
