package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/config"
	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/persona"
)

const describeInstruction = "Describe this frame."

// Generator is the slice of eino's ChatModel the describer uses.
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Describer captions frames with a vision-capable chat model.
type Describer struct {
	chatModel Generator
	persona   persona.Persona
	system    string
	logger    *zap.Logger
}

// NewDescriber builds the Ark chat model from cfg and picks the configured
// narrator persona, falling back to the store default.
func NewDescriber(ctx context.Context, cfg config.AIConfig, personas persona.Store, logger *zap.Logger) (*Describer, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	p, ok := personas.FindByID(cfg.DescribePersona)
	if !ok {
		p = personas.Default()
		logging.OrNop(logger).Warn("describe persona not found, using default",
			zap.String("requested", cfg.DescribePersona),
			zap.String("persona", p.ID))
	}
	return NewDescriberWithModel(chatModel, p, logger), nil
}

// NewDescriberWithModel wires an existing model, mainly for tests.
func NewDescriberWithModel(chatModel Generator, p persona.Persona, logger *zap.Logger) *Describer {
	return &Describer{
		chatModel: chatModel,
		persona:   p,
		system:    NewPersonaPromptManager().BuildSystemPrompt(p),
		logger:    logging.OrNop(logger).Named("describer"),
	}
}

// Persona returns the narrator in use.
func (d *Describer) Persona() persona.Persona {
	return d.persona
}

// Describe sends the image as a data URL alongside the narrator prompt.
func (d *Describer) Describe(ctx context.Context, image []byte, format string) (string, error) {
	if len(image) == 0 {
		return "", errors.New("empty image")
	}

	messages := []*schema.Message{
		schema.SystemMessage(d.system),
		{
			Role: schema.User,
			MultiContent: []schema.ChatMessagePart{
				{Type: schema.ChatMessagePartTypeText, Text: describeInstruction},
				{
					Type: schema.ChatMessagePartTypeImageURL,
					ImageURL: &schema.ChatMessageImageURL{
						URL:    dataURL(image, format),
						Detail: schema.ImageURLDetailLow,
					},
				},
			},
		},
	}

	resp, err := d.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("describe frame: %w", err)
	}
	if resp == nil {
		return "", errors.New("describe frame: empty response")
	}

	text := strings.TrimSpace(resp.Content)
	d.logger.Debug("frame described", zap.String("persona", d.persona.ID), zap.Int("length", len(text)))
	return text, nil
}

func dataURL(image []byte, format string) string {
	mime := "image/jpeg"
	switch strings.ToLower(format) {
	case "png":
		mime = "image/png"
	case "webp":
		mime = "image/webp"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}
