package stream

// Frame 是从上游直播截取的一帧静态画面。
type Frame struct {
	Timestamp int64  `json:"timestamp"` // capture time, unix millis
	Image     []byte `json:"image"`
	Format    string `json:"format"` // jpeg, png
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// Clone returns a copy whose image buffer is not shared with f.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := *f
	out.Image = append([]byte(nil), f.Image...)
	return &out
}
