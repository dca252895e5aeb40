// Package bitnet loads GGUF models and runs chat-style generation against
// them with streamed tokens.
//
// A typical session:
//
//	m, err := bitnet.Load(ctx, "https://example.com/model.gguf", bitnet.DefaultLoadOptions())
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//	res, err := m.Chat(ctx, []bitnet.ChatMessage{{Role: bitnet.RoleUser, Content: "Hello"}},
//		bitnet.DefaultGenerateOptions(), func(tok string) bitnet.Signal {
//			fmt.Print(tok)
//			return bitnet.Continue
//		})
//
// Load and Chat are synchronous and run their callbacks on the calling
// goroutine. A Model serves one Chat at a time; overlapping calls fail with
// ErrModelBusy.
package bitnet
