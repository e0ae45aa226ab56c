package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/config"
	"github.com/zhouzirui/clawstream/backend/internal/logging"
)

const (
	// 16kHz, 16bit, mono, 200ms
	audioPacketSize = 6400

	resourceDuration   = "volc.bigasr.sauc.duration"
	resourceConcurrent = "volc.bigasr.sauc.concurrent"

	successCode = 20000000
)

// ErrNotConfigured is returned when credentials are missing.
var ErrNotConfigured = errors.New("speech: missing AppID or AccessToken")

// Transcriber sends one audio chunk per WebSocket session to the Volcengine
// streaming ASR endpoint and returns the final text.
type Transcriber struct {
	cfg    config.SpeechConfig
	dialer *websocket.Dialer
	// pace 是音频包之间的发送间隔
	pace   time.Duration
	logger *zap.Logger
}

func NewTranscriber(cfg config.SpeechConfig, logger *zap.Logger) *Transcriber {
	return &Transcriber{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pace:   20 * time.Millisecond,
		logger: logging.OrNop(logger).Named("asr"),
	}
}

// Enabled reports whether credentials are present.
func (t *Transcriber) Enabled() bool {
	_, _, err := credentials(t.cfg)
	return err == nil
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
	} `json:"request"`
}

type asrResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text     string `json:"text"`
			Definite bool   `json:"definite"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
}

func (r *asrResponse) text() string {
	if text := strings.TrimSpace(r.Result.Text); text != "" {
		return text
	}
	parts := make([]string, 0, len(r.Result.Utterances))
	for _, u := range r.Result.Utterances {
		if s := strings.TrimSpace(u.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Transcribe sends a 16kHz mono WAV chunk and waits for the final result.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("speech: empty audio")
	}
	appID, token, err := credentials(t.cfg)
	if err != nil {
		return "", err
	}
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", t.resourceID())
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.Endpoint, header)
	if err != nil {
		return "", fmt.Errorf("dial asr: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		t.logger.Debug("asr connected",
			zap.String("logId", resp.Header.Get("X-Tt-Logid")),
			zap.String("connectId", connectID))
	}

	// ctx 取消时解除阻塞中的读写
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := t.writeRequest(conn, connectID); err != nil {
		return "", err
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- t.writeAudio(ctx, conn, audio) }()

	text, err := t.readResult(conn)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	select {
	case err := <-sendErr:
		if err != nil {
			t.logger.Debug("audio upload failed after result", zap.Error(err))
		}
	default:
		// 服务端提前给出最终结果，剩余音频随连接关闭而放弃
	}
	return text, nil
}

func (t *Transcriber) resourceID() string {
	if id := strings.TrimSpace(t.cfg.ResourceID); id != "" {
		return id
	}
	if t.cfg.ConcurrentMode {
		return resourceConcurrent
	}
	return resourceDuration
}

func (t *Transcriber) writeRequest(conn *websocket.Conn, uid string) error {
	var req asrRequest
	req.User.UID = uid
	req.Audio.Language = t.cfg.Language
	req.Audio.Format = "wav"
	req.Audio.Codec = "raw"
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal asr request: %w", err)
	}
	payload, err = compress(payload, GzipCompression)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(newFullClientRequest(payload))); err != nil {
		return fmt.Errorf("send asr request: %w", err)
	}
	return nil
}

func (t *Transcriber) writeAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	// 序号 1 被完整请求占用
	seq := int32(2)
	for offset := 0; offset < len(audio); offset += audioPacketSize {
		end := min(offset+audioPacketSize, len(audio))
		last := end == len(audio)

		packet, err := compress(audio[offset:end], GzipCompression)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(newAudioRequest(packet, seq, last))); err != nil {
			return fmt.Errorf("send audio packet %d: %w", seq, err)
		}
		seq++

		if !last && t.pace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.pace):
			}
		}
	}
	return nil
}

func (t *Transcriber) readResult(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read asr response: %w", err)
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			return "", fmt.Errorf("decode asr response: %w", err)
		}
		payload, err := decompress(msg.Payload, msg.Header.Compression)
		if err != nil {
			return "", err
		}

		switch msg.Header.Type {
		case ErrorMessage:
			return "", fmt.Errorf("asr error %d: %s", msg.ErrorCode, payload)
		case FullServerResponse:
			var resp asrResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				t.logger.Debug("skip undecodable asr payload", zap.Error(err))
				continue
			}
			if resp.Code != 0 && resp.Code != successCode {
				return "", fmt.Errorf("asr api error %d: %s", resp.Code, resp.Message)
			}
			if candidate := resp.text(); candidate != "" {
				text = candidate
			}
			if msg.IsLast() {
				return text, nil
			}
		}
	}
}

func credentials(cfg config.SpeechConfig) (string, string, error) {
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", ErrNotConfigured
	}
	return appID, token, nil
}
