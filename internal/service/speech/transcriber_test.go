package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/clawstream/backend/internal/config"
)

// TestMessageEncoding 测试二进制协议编解码
func TestMessageEncoding(t *testing.T) {
	payload := []byte("audio bytes")
	encoded := EncodeMessage(newAudioRequest(payload, 5, true))

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Header.Type != AudioOnlyRequest {
		t.Errorf("type = %v, want %v", decoded.Header.Type, AudioOnlyRequest)
	}
	if decoded.Sequence != -5 {
		t.Errorf("sequence = %d, want -5", decoded.Sequence)
	}
	if !decoded.IsLast() {
		t.Errorf("last packet flag lost")
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("payload = %q, want %q", decoded.Payload, payload)
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	msg := &Message{
		Header:    Header{Type: ErrorMessage, Compression: NoCompression},
		ErrorCode: 45000001,
		Payload:   []byte("bad request"),
	}
	decoded, err := DecodeMessage(EncodeMessage(msg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ErrorCode != 45000001 {
		t.Errorf("error code = %d", decoded.ErrorCode)
	}
	if string(decoded.Payload) != "bad request" {
		t.Errorf("payload = %q", decoded.Payload)
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	encoded := EncodeMessage(newFullClientRequest([]byte("0123456789")))
	if _, err := DecodeMessage(encoded[:len(encoded)-3]); err == nil {
		t.Fatal("expected error for truncated payload")
	}
	if _, err := DecodeMessage([]byte{0x21, 0x10}); err == nil {
		t.Fatal("expected error for short header")
	}
	bad := append([]byte(nil), encoded...)
	bad[0] = 0x21
	if _, err := DecodeMessage(bad); err == nil {
		t.Fatal("expected error for unknown protocol version")
	}
}

func TestDecodeSkipsHeaderExtension(t *testing.T) {
	msg := newFullClientRequest([]byte("{}"))
	msg.Header.Size = 2
	decoded, err := DecodeMessage(EncodeMessage(msg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded.Payload) != "{}" {
		t.Errorf("payload = %q", decoded.Payload)
	}
}

// TestCompression 测试压缩功能
func TestCompression(t *testing.T) {
	data := []byte(strings.Repeat("clawstream ", 50))
	packed, err := compress(data, GzipCompression)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(packed) >= len(data) {
		t.Errorf("gzip did not shrink repetitive input: %d >= %d", len(packed), len(data))
	}
	unpacked, err := decompress(packed, GzipCompression)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(unpacked, data) {
		t.Error("round trip mismatch")
	}
	if _, err := compress(data, Compression(7)); err == nil {
		t.Error("expected error for unknown method")
	}
}

// fakeASR 模拟 SAUC 服务端：收完音频后返回一条最终结果
type fakeASR struct {
	t        *testing.T
	header   http.Header
	request  asrRequest
	packets  int
	respond  func(conn *websocket.Conn)
	upgrader websocket.Upgrader
	done     chan struct{}
}

func newFakeASR(t *testing.T, respond func(conn *websocket.Conn)) *fakeASR {
	return &fakeASR{t: t, respond: respond, done: make(chan struct{})}
}

func (f *fakeASR) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer close(f.done)
	f.header = r.Header.Clone()
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		f.t.Errorf("read request: %v", err)
		return
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		f.t.Errorf("decode request: %v", err)
		return
	}
	payload, _ := decompress(msg.Payload, msg.Header.Compression)
	_ = json.Unmarshal(payload, &f.request)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			f.t.Errorf("decode audio: %v", err)
			return
		}
		f.packets++
		if msg.IsLast() {
			break
		}
	}
	f.respond(conn)
}

func sendResult(conn *websocket.Conn, body string, last bool) {
	payload, _ := compress([]byte(body), GzipCompression)
	flags := PositiveSequence
	seq := int32(1)
	if last {
		flags = NegativeSequence
		seq = -1
	}
	msg := &Message{
		Header:   Header{Type: FullServerResponse, Flags: flags, Serialization: JSONSerialization, Compression: GzipCompression},
		Sequence: seq,
		Payload:  payload,
	}
	_ = conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg))
}

func newTestTranscriber(t *testing.T, asr *fakeASR) *Transcriber {
	t.Helper()
	srv := httptest.NewServer(asr)
	t.Cleanup(srv.Close)

	tr := NewTranscriber(config.SpeechConfig{
		AppID:       "app",
		AccessToken: "token",
		Endpoint:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Language:    "en-US",
		Timeout:     5 * time.Second,
	}, nil)
	tr.pace = 0
	return tr
}

func TestTranscribe(t *testing.T) {
	asr := newFakeASR(t, func(conn *websocket.Conn) {
		sendResult(conn, `{"code":20000000,"result":{"text":"partial"}}`, false)
		sendResult(conn, `{"code":20000000,"result":{"text":"","utterances":[{"text":"hello"},{"text":"world"}]}}`, true)
	})
	tr := newTestTranscriber(t, asr)

	audio := bytes.Repeat([]byte{1}, audioPacketSize*2+10)
	text, err := tr.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	<-asr.done
	if text != "hello world" {
		t.Errorf("text = %q, want %q", text, "hello world")
	}
	if asr.packets != 3 {
		t.Errorf("audio packets = %d, want 3", asr.packets)
	}
	if got := asr.header.Get("X-Api-App-Key"); got != "app" {
		t.Errorf("app key header = %q", got)
	}
	if got := asr.header.Get("X-Api-Resource-Id"); got != resourceDuration {
		t.Errorf("resource id = %q", got)
	}
	if asr.request.Audio.Language != "en-US" || asr.request.Audio.Format != "wav" {
		t.Errorf("unexpected audio request: %+v", asr.request.Audio)
	}
}

func TestTranscribeServerError(t *testing.T) {
	asr := newFakeASR(t, func(conn *websocket.Conn) {
		msg := &Message{
			Header:    Header{Type: ErrorMessage, Compression: NoCompression},
			ErrorCode: 45000002,
			Payload:   []byte("empty audio"),
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg))
	})
	tr := newTestTranscriber(t, asr)

	_, err := tr.Transcribe(context.Background(), []byte("RIFF"))
	if err == nil || !strings.Contains(err.Error(), "empty audio") {
		t.Fatalf("err = %v, want asr error", err)
	}
}

func TestTranscribeAPIErrorCode(t *testing.T) {
	asr := newFakeASR(t, func(conn *websocket.Conn) {
		sendResult(conn, `{"code":45000081,"message":"quota exceeded"}`, true)
	})
	tr := newTestTranscriber(t, asr)

	_, err := tr.Transcribe(context.Background(), []byte("RIFF"))
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v, want api error", err)
	}
}

func TestTranscribeContextCancel(t *testing.T) {
	asr := newFakeASR(t, func(conn *websocket.Conn) {
		time.Sleep(2 * time.Second)
	})
	tr := newTestTranscriber(t, asr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Transcribe(ctx, []byte("RIFF"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestTranscribeRequiresCredentials(t *testing.T) {
	tr := NewTranscriber(config.SpeechConfig{Endpoint: "ws://127.0.0.1:1"}, nil)
	if tr.Enabled() {
		t.Error("transcriber without credentials reports enabled")
	}
	if _, err := tr.Transcribe(context.Background(), []byte("RIFF")); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}

	tr = NewTranscriber(config.SpeechConfig{AppID: "app", APIKey: "key", ConcurrentMode: true}, nil)
	if !tr.Enabled() {
		t.Error("API key should satisfy the token requirement")
	}
	if tr.resourceID() != resourceConcurrent {
		t.Errorf("resource id = %q", tr.resourceID())
	}
}
