package models

import "fmt"

// Status is the lifecycle state of a buffer. A buffer starts LOADING and
// becomes SUCCESS once its frames have been fetched.
type Status string

const (
	StatusLoading Status = "LOADING"
	StatusSuccess Status = "SUCCESS"
)

func (s Status) MarshalText() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	v := Status(text)
	if err := v.validate(); err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Status) validate() error {
	switch s {
	case StatusLoading, StatusSuccess:
		return nil
	}
	return fmt.Errorf("unknown buffer status %q", string(s))
}

// Mode is the annotator's interaction mode when a buffer was requested.
// It is carried through planning untouched.
type Mode string

const (
	ModeView     Mode = "view"
	ModeAnnotate Mode = "annotate"
	ModeReview   Mode = "review"
	ModePredict  Mode = "predict"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeView, ModeAnnotate, ModeReview, ModePredict:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if _, err := ParseMode(string(m)); err != nil {
		return nil, err
	}
	return []byte(m), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Buffer is one contiguous, sampled window of video frames. EndFrame is
// inclusive and never exceeds the last frame of the video. Only Status
// changes after creation.
type Buffer struct {
	StartFrame     int    `json:"start_frame"`
	EndFrame       int    `json:"end_frame"`
	FrameSkip      int    `json:"frame_skip"`
	Status         Status `json:"status"`
	Mode           Mode   `json:"mode"`
	SelectedTaskID string `json:"selected_task_id,omitempty"`
}

// Contains reports whether frame falls inside the buffer's range,
// regardless of status.
func (b Buffer) Contains(frame int) bool {
	return b.StartFrame <= frame && frame <= b.EndFrame
}

// WithStatus returns a copy of b with the given status.
func (b Buffer) WithStatus(s Status) Buffer {
	b.Status = s
	return b
}

// SampledFrames returns the frame numbers materialized by the buffer.
func (b Buffer) SampledFrames() []int {
	if b.FrameSkip <= 0 || b.EndFrame < b.StartFrame {
		return nil
	}
	frames := make([]int, 0, (b.EndFrame-b.StartFrame)/b.FrameSkip+1)
	for n := b.StartFrame; n <= b.EndFrame; n += b.FrameSkip {
		frames = append(frames, n)
	}
	return frames
}

func (b Buffer) String() string {
	return fmt.Sprintf("[%d-%d/%d %s]", b.StartFrame, b.EndFrame, b.FrameSkip, b.Status)
}
