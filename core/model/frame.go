package model

import (
	"image"
	"math"
	"time"
)

type VideoMetadata struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
	FrameCount int     `json:"frame_count"`
}

// Frame is a decoded image. Exactly one pipeline stage holds a frame at a
// time and must not touch it after handing it on.
type Frame struct {
	Index     int
	Image     image.Image
	Timestamp time.Duration
}

// FrameTimestamp derives a capture timestamp from the frame position.
func FrameTimestamp(index int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}

	return time.Duration(math.Round(float64(index) * float64(time.Second) / fps))
}
