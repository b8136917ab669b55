package media

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame is one access unit parsed out of an ADTS stream.
type AACFrame struct {
	AU         []byte // raw payload, header stripped
	Profile    int    // audio object type minus one
	SampleRate int
	Channels   int
}

// ParseADTS splits an ADTS byte stream into AAC access units. Garbage
// between frames is skipped; a truncated trailing frame is dropped.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < 7 {
			break
		}

		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		hasCRC := (data[offset+1] & 0x01) == 0
		headerSize := 7
		if hasCRC {
			headerSize = 9
		}

		profile := int(data[offset+2] >> 6)
		sampleRateIdx := (data[offset+2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}

		channelCfg := ((data[offset+2] & 0x01) << 2) | ((data[offset+3] >> 6) & 0x03)

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}

		frames = append(frames, AACFrame{
			AU:         data[offset+headerSize : offset+frameLen],
			Profile:    profile,
			SampleRate: aacSampleRates[sampleRateIdx],
			Channels:   int(channelCfg),
		})

		offset += frameLen
	}

	return frames, nil
}

// ADTSHeader builds the 7-byte ADTS header (no CRC) for an access unit of
// auLen bytes.
func ADTSHeader(profile, sampleRate, channels, auLen int) ([]byte, error) {
	idx := -1
	for i, sr := range aacSampleRates {
		if sr == sampleRate {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("adts: unsupported sample rate %d", sampleRate)
	}
	frameLen := auLen + 7
	if frameLen > 0x1FFF {
		return nil, fmt.Errorf("adts: access unit too large (%d bytes)", auLen)
	}
	return []byte{
		0xFF,
		0xF1,
		byte(profile&0x03)<<6 | byte(idx)<<2 | byte(channels>>2)&0x01,
		byte(channels&0x03)<<6 | byte(frameLen>>11)&0x03,
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1F,
		0xFC,
	}, nil
}

// AACTrack builds an AAC track, encoding its AudioSpecificConfig.
func AACTrack(sampleRate, channels int) (*Track, error) {
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
	asc, err := conf.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal AudioSpecificConfig: %w", err)
	}
	return &Track{
		Kind:       KindAudio,
		Codec:      CodecAAC,
		SampleRate: sampleRate,
		Channels:   channels,
		SampleBits: 16,
		Config:     asc,
	}, nil
}

// AudioSpecificConfig decodes the track's AAC configuration, falling back
// to the plain sample rate and channel count when Config is empty.
func (t *Track) AudioSpecificConfig() (mpeg4audio.AudioSpecificConfig, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if len(t.Config) > 0 {
		if err := conf.Unmarshal(t.Config); err != nil {
			return conf, fmt.Errorf("unmarshal AudioSpecificConfig: %w", err)
		}
		return conf, nil
	}
	conf = mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   t.SampleRate,
		ChannelCount: t.Channels,
	}
	return conf, nil
}
