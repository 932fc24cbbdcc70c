package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone adapter
	"github.com/pion/mediadevices/pkg/prop"
)

// NewCodecSelector builds the VP8+Opus codec selector used for device capture
// and peer connection media registration.
func NewCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// DeviceCapture returns a CaptureFunc backed by the host's real camera and
// microphone drivers.
func DeviceCapture(selector *mediadevices.CodecSelector) CaptureFunc {
	return func(c Constraints) (mediadevices.MediaStream, error) {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if c.Video {
			constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
				if c.Width > 0 {
					mtc.Width = prop.Int(c.Width)
				}
				if c.Height > 0 {
					mtc.Height = prop.Int(c.Height)
				}
				if c.FrameRate > 0 {
					mtc.FrameRate = prop.Float(c.FrameRate)
				}
			}
		}
		if c.Audio {
			constraints.Audio = func(mtc *mediadevices.MediaTrackConstraints) {
				mtc.SampleRate = prop.Int(48000)
				mtc.ChannelCount = prop.Int(1)
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			return nil, classifyCaptureErr(err)
		}
		return stream, nil
	}
}
