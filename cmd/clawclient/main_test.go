package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

func TestPrinterFormatsEvents(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	p.chat(stream.ChatEvent{DisplayName: "ana", Text: "hi"})
	p.frame(stream.Frame{Format: "jpeg", Width: 4, Height: 3, Image: []byte{1, 2}, Summary: "a cat"})

	out := buf.String()
	assert.Contains(t, out, "<ana> hi\n")
	assert.Contains(t, out, "jpeg 4x3 2 bytes | a cat\n")
}
