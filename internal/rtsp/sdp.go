package rtsp

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/zsiec/fanout/internal/media"
)

// track is one RTP stream of the sink.
type track struct {
	media     *media.Track
	pt        uint8
	clockRate uint32
	control   string
}

func (t *track) rtpmap() string {
	switch t.media.Codec {
	case media.CodecH264:
		return fmt.Sprintf("%d H264/%d", t.pt, t.clockRate)
	case media.CodecH265:
		return fmt.Sprintf("%d H265/%d", t.pt, t.clockRate)
	case media.CodecAAC:
		return fmt.Sprintf("%d mpeg4-generic/%d/%d", t.pt, t.clockRate, max(t.media.Channels, 1))
	case media.CodecOpus:
		return fmt.Sprintf("%d opus/48000/2", t.pt)
	case media.CodecG711A:
		return fmt.Sprintf("%d PCMA/%d", t.pt, t.clockRate)
	case media.CodecG711U:
		return fmt.Sprintf("%d PCMU/%d", t.pt, t.clockRate)
	}
	return ""
}

func (t *track) fmtp() string {
	m := t.media
	switch m.Codec {
	case media.CodecH264:
		parts := []string{"packetization-mode=1"}
		if len(m.SPS) >= 4 {
			parts = append(parts, "profile-level-id="+strings.ToUpper(hex.EncodeToString(m.SPS[1:4])))
		}
		if len(m.SPS) > 0 && len(m.PPS) > 0 {
			parts = append(parts, "sprop-parameter-sets="+
				base64.StdEncoding.EncodeToString(m.SPS)+","+base64.StdEncoding.EncodeToString(m.PPS))
		}
		return fmt.Sprintf("%d %s", t.pt, strings.Join(parts, "; "))
	case media.CodecH265:
		return fmt.Sprintf("%d sprop-vps=%s; sprop-sps=%s; sprop-pps=%s", t.pt,
			base64.StdEncoding.EncodeToString(m.VPS),
			base64.StdEncoding.EncodeToString(m.SPS),
			base64.StdEncoding.EncodeToString(m.PPS))
	case media.CodecAAC:
		conf := m.Config
		if len(conf) == 0 {
			if asc, err := m.AudioSpecificConfig(); err == nil {
				conf, _ = asc.Marshal()
			}
		}
		return fmt.Sprintf("%d streamtype=5; profile-level-id=1; mode=AAC-hbr; "+
			"sizelength=13; indexlength=3; indexdeltalength=3; config=%s", t.pt, hex.EncodeToString(conf))
	}
	return ""
}

// buildSDP renders the session description for the given tracks.
func buildSDP(name string, sessionID uint64, tracks []*track) ([]byte, error) {
	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: sdp.SessionName(name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		Attributes:       []sdp.Attribute{{Key: "control", Value: "*"}},
	}

	for _, t := range tracks {
		kind := "video"
		if t.media.Kind == media.KindAudio {
			kind = "audio"
		}
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   kind,
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{strconv.Itoa(int(t.pt))},
			},
		}
		md = md.WithValueAttribute("rtpmap", t.rtpmap())
		if f := t.fmtp(); f != "" {
			md = md.WithValueAttribute("fmtp", f)
		}
		md = md.WithValueAttribute("control", t.control)
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	out, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return out, nil
}
