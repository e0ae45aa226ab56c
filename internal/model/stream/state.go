package stream

import "time"

// Participant is a registered claw bound to an open connection.
type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SessionID string    `json:"sessionId"`
	JoinedAt  time.Time `json:"joinedAt"`
	LastSeen  time.Time `json:"lastSeen"`
	Address   string    `json:"-"` // reported through metrics only
	Local     bool      `json:"local"`
}

// StreamState 是 hub 当前状态的派生快照。
type StreamState struct {
	Live         bool          `json:"live"`
	StartedAt    int64         `json:"startedAt,omitempty"`
	CurrentFrame *Frame        `json:"currentFrame,omitempty"`
	RecentChat   []ChatEvent   `json:"recentChat"`
	Participants []Participant `json:"participants"`
}

// ConnectionMetrics summarises who has connected since the process started.
type ConnectionMetrics struct {
	TotalConnections     int            `json:"totalConnections"`
	LocalConnections     int            `json:"localConnections"`
	ForeignConnections   int            `json:"foreignConnections"`
	UniqueAddresses      []string       `json:"uniqueAddresses"`
	ConnectionsByAddress map[string]int `json:"connectionsByAddress"`
}
