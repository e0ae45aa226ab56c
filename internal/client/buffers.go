package client

import (
	"sort"

	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

// 滚动缓冲区与重连后的状态同步

func trimFront[T any](s []T, limit int) []T {
	if over := len(s) - limit; over > 0 {
		n := copy(s, s[over:])
		clear(s[n:])
		s = s[:n]
	}
	return s
}

// addFrame appends f unless it is not newer than the latest frame.
func (c *Client) addFrame(f stream.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addFrameLocked(f)
}

func (c *Client) addFrameLocked(f stream.Frame) bool {
	if n := len(c.frames); n > 0 && f.Timestamp <= c.frames[n-1].Timestamp {
		return false
	}
	c.frames = trimFront(append(c.frames, f), c.opts.FrameBuffer)
	return true
}

// addChat appends e unless its ID was already seen.
func (c *Client) addChat(e stream.ChatEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rememberChatLocked(e.ID) {
		return false
	}
	c.chat = trimFront(append(c.chat, e), c.opts.ChatBuffer)
	return true
}

// rememberChatLocked records id and reports whether it is new. The seen set
// outlives the chat buffer so events already evicted from it are not taken
// for new ones when a later snapshot repeats them.
func (c *Client) rememberChatLocked(id string) bool {
	if id == "" {
		return true
	}
	if _, seen := c.chatIDs[id]; seen {
		return false
	}
	c.chatIDs[id] = struct{}{}
	c.chatSeen = append(c.chatSeen, id)
	if over := len(c.chatSeen) - c.seenLimit; over > 0 {
		for _, old := range c.chatSeen[:over] {
			delete(c.chatIDs, old)
		}
		c.chatSeen = trimFront(c.chatSeen, c.seenLimit)
	}
	return true
}

func (c *Client) addTranscript(t stream.TranscriptEvent) {
	c.mu.Lock()
	c.transcripts = trimFront(append(c.transcripts, t), c.opts.TranscriptBuffer)
	c.mu.Unlock()
}

// resync adopts a state snapshot: roster and liveness are replaced, chat is
// merged by ID and the snapshot frame is kept if it is newer.
func (c *Client) resync(s stream.StreamState) {
	c.mu.Lock()
	c.participants = append([]stream.Participant(nil), s.Participants...)
	c.live = s.Live
	c.startedAt = s.StartedAt

	var fresh []stream.ChatEvent
	for _, e := range s.RecentChat {
		if c.rememberChatLocked(e.ID) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) > 0 {
		c.chat = trimFront(mergeChat(c.chat, fresh), c.opts.ChatBuffer)
	}

	var frame *stream.Frame
	if s.CurrentFrame != nil && c.addFrameLocked(*s.CurrentFrame) {
		frame = s.CurrentFrame
	}
	registered := c.registeredLocked()
	c.mu.Unlock()

	if registered {
		c.setState(StateLive)
	}
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
	if frame != nil && c.opts.OnFrame != nil {
		c.opts.OnFrame(*frame)
	}
	if c.opts.OnChat != nil {
		for _, e := range fresh {
			c.opts.OnChat(e)
		}
	}
}

func (c *Client) registeredLocked() bool {
	for _, p := range c.participants {
		if p.ID == c.opts.ClawID && (p.SessionID == "" || p.SessionID == c.opts.SessionID) {
			return true
		}
	}
	return false
}

// mergeChat returns existing plus fresh ordered by timestamp. The sort is
// stable so events with equal timestamps keep arrival order.
func mergeChat(existing, fresh []stream.ChatEvent) []stream.ChatEvent {
	out := make([]stream.ChatEvent, 0, len(existing)+len(fresh))
	out = append(out, existing...)
	out = append(out, fresh...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// RecentFrames returns the buffered frames, oldest first.
func (c *Client) RecentFrames() []stream.Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]stream.Frame(nil), c.frames...)
}

// LatestFrame returns the newest frame, if any.
func (c *Client) LatestFrame() (stream.Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.frames) == 0 {
		return stream.Frame{}, false
	}
	return c.frames[len(c.frames)-1], true
}

func (c *Client) RecentChat() []stream.ChatEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]stream.ChatEvent(nil), c.chat...)
}

func (c *Client) RecentTranscripts() []stream.TranscriptEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]stream.TranscriptEvent(nil), c.transcripts...)
}

func (c *Client) Participants() []stream.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]stream.Participant(nil), c.participants...)
}

// IsLive is the liveness from the last state snapshot.
func (c *Client) IsLive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}
