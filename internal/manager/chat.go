package manager

import (
	"context"
	"encoding/json"
	"io"

	"bitnet/pkg/bitnet"
	"bitnet/pkg/types"
)

// Chat admits req through the queue, runs it on the loaded model and streams
// NDJSON token lines to w followed by a final done line. flusher, when
// non-nil, is called after every line.
func (m *Manager) Chat(ctx context.Context, req types.ChatRequest, w io.Writer, flusher func()) error {
	if len(req.Messages) == 0 {
		return bitnet.ErrNoMessages
	}
	model, err := m.readyModel()
	if err != nil {
		return err
	}
	release, err := m.beginGeneration(ctx)
	if err != nil {
		return err
	}
	defer release()

	var writeErr error
	onTok := func(tok string) bitnet.Signal {
		if _, e := w.Write(tokenLineJSON(tok)); e != nil {
			writeErr = e
			return bitnet.Stop
		}
		if flusher != nil {
			flusher()
		}
		return bitnet.Continue
	}
	res, err := model.Chat(ctx, m.messages(req.Messages), m.requestOptions(req), onTok)
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	jb, _ := json.Marshal(types.DoneLine{
		Done:         true,
		Content:      res.Text,
		FinishReason: string(res.FinishReason),
		Tokens:       res.Tokens,
		ChatID:       res.ChatID,
	})
	if _, err := w.Write(append(jb, '\n')); err != nil {
		return err
	}
	if flusher != nil {
		flusher()
	}
	return nil
}

// messages converts the request conversation and prepends the configured
// system prompt unless the conversation already opens with one.
func (m *Manager) messages(in []types.ChatMessage) []bitnet.ChatMessage {
	out := make([]bitnet.ChatMessage, 0, len(in)+1)
	if m.system != "" && in[0].Role != bitnet.RoleSystem {
		out = append(out, bitnet.ChatMessage{Role: bitnet.RoleSystem, Content: m.system})
	}
	for _, msg := range in {
		out = append(out, bitnet.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// requestOptions overlays non-zero request fields on the server defaults.
func (m *Manager) requestOptions(req types.ChatRequest) bitnet.GenerateOptions {
	o := m.genOpts
	if req.MaxTokens > 0 {
		o.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		o.Temperature = req.Temperature
	}
	if req.TopK > 0 {
		o.TopK = req.TopK
	}
	if req.TopP > 0 {
		o.TopP = req.TopP
	}
	if req.RepeatPenalty > 0 {
		o.RepeatPenalty = req.RepeatPenalty
	}
	if req.RepeatLastN > 0 {
		o.RepeatLastN = req.RepeatLastN
	}
	if req.Seed != 0 {
		o.Seed = req.Seed
	}
	if len(req.Stop) > 0 {
		o.Stop = append(append([]string(nil), o.Stop...), req.Stop...)
	}
	return o
}

// tokenLineJSON formats a token NDJSON line using json.Marshal for correctness.
func tokenLineJSON(tok string) []byte {
	b, _ := json.Marshal(types.TokenLine{Token: tok})
	return append(b, '\n')
}
