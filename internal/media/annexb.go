package media

import (
	"encoding/binary"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// SplitAnnexB scans an Annex B byte stream for 3-byte and 4-byte start
// codes and returns the NAL units it delimits, without start codes. Data
// that carries no start code at all is returned as a single NAL unit.
func SplitAnnexB(data []byte) [][]byte {
	n := len(data)
	if n == 0 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}
	if len(positions) == 0 {
		return [][]byte{data}
	}

	nalus := make([][]byte, 0, len(positions))
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nalus = append(nalus, data[pos.dataStart:end])
	}
	return nalus
}

// JoinAnnexB prefixes every NAL unit with a 4-byte start code.
func JoinAnnexB(nalus [][]byte) []byte {
	total := 0
	for _, nalu := range nalus {
		total += 4 + len(nalu)
	}
	out := make([]byte, 0, total)
	for _, nalu := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nalu...)
	}
	return out
}

// AVCC converts NAL units to the 4-byte length-prefixed form used by FLV
// and MP4.
func AVCC(nalus [][]byte) []byte {
	total := 0
	for _, nalu := range nalus {
		total += 4 + len(nalu)
	}
	out := make([]byte, 0, total)
	for _, nalu := range nalus {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nalu)))
		out = append(out, lenBuf[:]...)
		out = append(out, nalu...)
	}
	return out
}

// IsParameterSet reports whether nalu is a parameter set (SPS/PPS, plus
// VPS for H.265).
func IsParameterSet(codec Codec, nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	switch codec {
	case CodecH264:
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			return true
		}
	case CodecH265:
		switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
		case h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT:
			return true
		}
	}
	return false
}

// IsRandomAccess reports whether nalu starts a decodable picture.
func IsRandomAccess(codec Codec, nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	switch codec {
	case CodecH264:
		return h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR
	case CodecH265:
		switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
		case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP, h265.NALUType_CRA_NUT:
			return true
		}
	}
	return false
}

// ParameterSets extracts the VPS, SPS and PPS NAL units contained in an
// Annex B access unit. Missing sets are returned as nil.
func ParameterSets(codec Codec, au []byte) (vps, sps, pps []byte) {
	for _, nalu := range SplitAnnexB(au) {
		if len(nalu) == 0 {
			continue
		}
		switch codec {
		case CodecH264:
			switch h264.NALUType(nalu[0] & 0x1F) {
			case h264.NALUTypeSPS:
				sps = nalu
			case h264.NALUTypePPS:
				pps = nalu
			}
		case CodecH265:
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				vps = nalu
			case h265.NALUType_SPS_NUT:
				sps = nalu
			case h265.NALUType_PPS_NUT:
				pps = nalu
			}
		}
	}
	return vps, sps, pps
}

// VideoTrack builds a video track from parameter sets, filling in the
// picture size and frame rate from the SPS when it can be parsed.
func VideoTrack(codec Codec, vps, sps, pps []byte) *Track {
	t := &Track{Kind: KindVideo, Codec: codec, VPS: vps, SPS: sps, PPS: pps}
	switch codec {
	case CodecH264:
		var s h264.SPS
		if err := s.Unmarshal(sps); err == nil {
			t.Width = s.Width()
			t.Height = s.Height()
			t.FPS = s.FPS()
		}
	case CodecH265:
		var s h265.SPS
		if err := s.Unmarshal(sps); err == nil {
			t.Width = s.Width()
			t.Height = s.Height()
			t.FPS = s.FPS()
		}
	}
	return t
}
