package utils

import (
	"bytes"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
}

// RespondJSON 先编码再写头，编码失败时返回 500 而不是半截响应。
// 直播状态随时变化，统一禁用缓存。
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
		status = http.StatusInternalServerError
		buf.Reset()
		_ = json.NewEncoder(&buf).Encode(errorBody{Error: "failed to encode response"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		zap.L().Debug("failed to write response", zap.Error(err))
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, errorBody{Error: message})
}
