package stream

// Roles 描述聊天发送者的身份标记。
type Roles struct {
	Broadcaster bool `json:"broadcaster,omitempty"`
	Moderator   bool `json:"moderator,omitempty"`
	Subscriber  bool `json:"subscriber,omitempty"`
	Claw        bool `json:"claw,omitempty"`
}

// ChatEvent is one line of live chat, either relayed from the stream's chat
// surface or posted by a connected claw.
type ChatEvent struct {
	ID          string `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	SenderID    string `json:"senderId"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	Channel     string `json:"channel,omitempty"`
	Roles       Roles  `json:"roles"`
}

// TranscriptEvent is a coalesced utterance produced from the audio pipeline.
type TranscriptEvent struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ClawMessageKind enumerates what a claw can send back into the hub.
type ClawMessageKind string

const (
	KindChat        ClawMessageKind = "chat"
	KindReaction    ClawMessageKind = "reaction"
	KindObservation ClawMessageKind = "observation"
)

// ClawMessage 是 claw 发回 hub 的一条消息，时间戳由服务端写入。
type ClawMessage struct {
	Kind       ClawMessageKind `json:"kind"`
	Text       string          `json:"text"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName"`
	Timestamp  int64           `json:"timestamp"`
}
