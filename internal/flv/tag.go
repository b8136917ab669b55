package flv

import "encoding/binary"

// FLV tag types.
const (
	TagAudio = 8
	TagVideo = 9
)

const (
	codecAVC    = 7
	codecHEVC   = 12 // non-standard id used by most CDNs
	avcSeqHdr   = 0
	avcNALU     = 1
	aacSeqHdr   = 0
	aacRaw      = 1
	frameKey    = 1
	frameInter  = 2
	tagHdrSize  = 11
	prevTagSize = 4
)

// FileHeader returns the 9-byte FLV header followed by PreviousTagSize0.
func FileHeader(hasVideo, hasAudio bool) []byte {
	var flags byte
	if hasAudio {
		flags |= 0x04
	}
	if hasVideo {
		flags |= 0x01
	}
	return []byte{'F', 'L', 'V', 1, flags, 0, 0, 0, 9, 0, 0, 0, 0}
}

// Tag serializes one FLV tag plus its trailing PreviousTagSize field.
func Tag(typ byte, ts int64, body []byte) []byte {
	out := make([]byte, tagHdrSize+len(body)+prevTagSize)
	out[0] = typ
	putUint24(out[1:], uint32(len(body)))
	t := uint32(ts)
	putUint24(out[4:], t&0xFFFFFF)
	out[7] = byte(t >> 24)
	// stream id stays zero
	copy(out[tagHdrSize:], body)
	binary.BigEndian.PutUint32(out[tagHdrSize+len(body):], uint32(tagHdrSize+len(body)))
	return out
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// VideoBody builds a video tag body. cts is the composition offset in
// milliseconds.
func VideoBody(codecID byte, key, seqHeader bool, cts int64, payload []byte) []byte {
	ft := byte(frameInter)
	if key || seqHeader {
		ft = frameKey
	}
	pt := byte(avcNALU)
	if seqHeader {
		pt = avcSeqHdr
	}
	body := make([]byte, 5+len(payload))
	body[0] = ft<<4 | codecID
	body[1] = pt
	putUint24(body[2:], uint32(cts)&0xFFFFFF)
	copy(body[5:], payload)
	return body
}

// AACBody builds an AAC audio tag body (44 kHz, 16-bit, stereo flags as
// the format requires for AAC).
func AACBody(seqHeader bool, payload []byte) []byte {
	pt := byte(aacRaw)
	if seqHeader {
		pt = aacSeqHdr
	}
	body := make([]byte, 2+len(payload))
	body[0] = 0xAF
	body[1] = pt
	copy(body[2:], payload)
	return body
}

// G711Body builds an audio tag body for A-law (7) or mu-law (8) at 8 kHz.
func G711Body(format byte, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = format<<4 | 0x02 // 16-bit mono; rate bits are ignored for G.711
	copy(body[1:], payload)
	return body
}

// AVCDecoderConfig builds an AVCDecoderConfigurationRecord from raw SPS
// and PPS NAL units (without start codes).
func AVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1, sps[1], sps[2], sps[3])
	buf = append(buf, 0xFF) // 4-byte NALU lengths
	buf = append(buf, 0xE1) // one SPS
	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1)
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)
	return buf
}

// HEVCDecoderConfig builds a minimal HEVCDecoderConfigurationRecord. The
// profile/tier/level block is copied from the SPS profile_tier_level
// structure, which starts right after the two-byte NAL header and one byte
// of sps_video_parameter_set_id/max_sub_layers.
func HEVCDecoderConfig(vps, sps, pps []byte) []byte {
	if len(vps) == 0 || len(sps) < 15 || len(pps) == 0 {
		return nil
	}
	ptl := sps[3:15] // 12 bytes: profile byte, 4 compat, 6 constraint, level

	buf := make([]byte, 0, 23+3*5+len(vps)+len(sps)+len(pps))
	buf = append(buf, 1)
	buf = append(buf, ptl...)
	buf = append(buf, 0xF0, 0x00) // min_spatial_segmentation_idc
	buf = append(buf, 0xFC)       // parallelismType
	buf = append(buf, 0xFD)       // chromaFormat 4:2:0
	buf = append(buf, 0xF8, 0xF8) // bit depth luma/chroma minus 8
	buf = append(buf, 0x00, 0x00) // avgFrameRate
	buf = append(buf, 0x0F)       // 1 temporal layer, nested, 4-byte lengths
	buf = append(buf, 3)          // numOfArrays
	for _, ps := range []struct {
		typ  byte
		nalu []byte
	}{{32, vps}, {33, sps}, {34, pps}} {
		buf = append(buf, ps.typ, 0x00, 0x01)
		buf = append(buf, byte(len(ps.nalu)>>8), byte(len(ps.nalu)))
		buf = append(buf, ps.nalu...)
	}
	return buf
}
