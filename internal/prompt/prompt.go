// Package prompt renders role-tagged conversations with the chat template a
// model was trained on.
package prompt

import (
	"strings"

	"bitnet/pkg/gguf"
)

// Message is one conversational turn.
type Message struct {
	Role    string
	Content string
}

// Template is a chat prompt layout.
type Template int

const (
	// Plain joins message contents with newlines.
	Plain Template = iota
	// ChatML is <|im_start|>role\ncontent<|im_end|>\n.
	ChatML
	// Llama3 uses header ids and <|eot_id|> turn terminators.
	Llama3
)

const (
	imStart     = "<|im_start|>"
	imEnd       = "<|im_end|>"
	startHeader = "<|start_header_id|>"
	endHeader   = "<|end_header_id|>"
	eot         = "<|eot_id|>"
)

func (t Template) String() string {
	switch t {
	case ChatML:
		return "chatml"
	case Llama3:
		return "llama3"
	default:
		return "plain"
	}
}

// Detect picks a template from the special tokens in vocab. ChatML wins when
// both marker sets are present.
func Detect(vocab []string) Template {
	want := map[string]bool{imStart: false, imEnd: false, startHeader: false, endHeader: false, eot: false}
	for _, tok := range vocab {
		if _, ok := want[tok]; ok {
			want[tok] = true
		}
	}
	switch {
	case want[imStart] && want[imEnd]:
		return ChatML
	case want[startHeader] && want[endHeader] && want[eot]:
		return Llama3
	default:
		return Plain
	}
}

// DetectFile detects the template of a parsed model from its tokenizer
// vocabulary, falling back to the embedded tokenizer.chat_template text.
func DetectFile(f *gguf.File) Template {
	if f == nil {
		return Plain
	}
	if vocab, ok := f.Strings("tokenizer.ggml.tokens"); ok {
		if t := Detect(vocab); t != Plain {
			return t
		}
	}
	if tmpl, ok := f.String("tokenizer.chat_template"); ok {
		switch {
		case strings.Contains(tmpl, imStart) && strings.Contains(tmpl, imEnd):
			return ChatML
		case strings.Contains(tmpl, startHeader) && strings.Contains(tmpl, eot):
			return Llama3
		}
	}
	return Plain
}

// Format renders msgs in order. ChatML and Llama3 prompts end with an open
// assistant turn.
func (t Template) Format(msgs []Message) string {
	var b strings.Builder
	switch t {
	case ChatML:
		for _, m := range msgs {
			b.WriteString(imStart)
			b.WriteString(m.Role)
			b.WriteByte('\n')
			b.WriteString(m.Content)
			b.WriteString(imEnd)
			b.WriteByte('\n')
		}
		b.WriteString(imStart)
		b.WriteString("assistant\n")
	case Llama3:
		for _, m := range msgs {
			b.WriteString(startHeader)
			b.WriteString(m.Role)
			b.WriteString(endHeader)
			b.WriteString("\n\n")
			b.WriteString(m.Content)
			b.WriteString(eot)
		}
		b.WriteString(startHeader)
		b.WriteString("assistant")
		b.WriteString(endHeader)
		b.WriteString("\n\n")
	default:
		for i, m := range msgs {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(m.Content)
		}
	}
	return b.String()
}

// Stop returns the end-of-turn markers that end generation naturally.
func (t Template) Stop() []string {
	switch t {
	case ChatML:
		return []string{imEnd}
	case Llama3:
		return []string{eot}
	default:
		return nil
	}
}
