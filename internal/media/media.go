// Package media acquires local camera and microphone tracks by walking a
// descending ladder of capability constraints. The capture itself is behind a
// function seam so session logic and tests never need real devices.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/mediadevices"

	"github.com/veridium/scanmeet/internal/rooms"
)

// Constraints is one rung of the acquisition ladder.
type Constraints struct {
	Label     string
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate float64
}

// DefaultLadder is the descending order of constraint sets attempted: highest
// quality first, down to bare video. A rung is only tried after the previous
// one failed for a recoverable reason.
func DefaultLadder() []Constraints {
	return []Constraints{
		{Label: "hd", Audio: true, Video: true, Width: 1280, Height: 720, FrameRate: 30},
		{Label: "sd", Audio: true, Video: true, Width: 640, Height: 480, FrameRate: 30},
		{Label: "sd-video-only", Audio: false, Video: true, Width: 640, Height: 480, FrameRate: 30},
		{Label: "bare-video", Audio: false, Video: true},
	}
}

// CaptureFunc opens devices for one constraint set.
type CaptureFunc func(c Constraints) (mediadevices.MediaStream, error)

// PermissionError marks a hard device-permission denial. It aborts the ladder
// immediately: retrying lower quality cannot fix a denied permission.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("media permission denied: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// ErrLadderExhausted is returned when every rung failed recoverably.
var ErrLadderExhausted = errors.New("no media constraint set could be satisfied")

// Acquisition is a successfully opened local stream plus the wire-level
// summary announced to peers.
type Acquisition struct {
	Stream      mediadevices.MediaStream
	Constraints Constraints
	Info        rooms.MediaInfo
}

// Acquire walks the ladder until a capture succeeds. A *PermissionError from
// the capture aborts the walk and is returned as-is (wrapped); any other
// failure moves to the next rung.
func Acquire(log *slog.Logger, capture CaptureFunc, ladder []Constraints) (*Acquisition, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}

	var lastErr error
	for _, c := range ladder {
		stream, err := capture(c)
		if err == nil {
			log.Info("local media acquired", "constraints", c.Label, "audio", c.Audio, "video", c.Video)
			return &Acquisition{
				Stream:      stream,
				Constraints: c,
				Info: rooms.MediaInfo{
					Audio:     c.Audio,
					Video:     c.Video,
					Width:     c.Width,
					Height:    c.Height,
					FrameRate: c.FrameRate,
				},
			}, nil
		}

		var perm *PermissionError
		if errors.As(err, &perm) {
			log.Error("media permission denied, aborting acquisition", "constraints", c.Label, "err", err)
			return nil, err
		}

		log.Warn("media constraint set failed, trying next", "constraints", c.Label, "err", err)
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last failure: %v", ErrLadderExhausted, lastErr)
	}
	return nil, ErrLadderExhausted
}

// classifyCaptureErr upgrades a raw driver error to a PermissionError when it
// looks like an access denial rather than a capability mismatch.
func classifyCaptureErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"permission denied", "access denied", "not permitted", "operation not permitted"} {
		if strings.Contains(msg, marker) {
			return &PermissionError{Err: err}
		}
	}
	return err
}
