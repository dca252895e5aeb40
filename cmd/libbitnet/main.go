// Command libbitnet builds the C shared library exposing pkg/ffi.
//
//	go build -buildmode=c-shared -o libbitnet.so ./cmd/libbitnet
//
// bitnet.h documents the ABI.
package main

/*
#cgo CFLAGS: -DBITNET_BUILDING
#include <stdlib.h>
#include "bitnet.h"
*/
import "C"

import (
	"sync"
	"unsafe"

	"bitnet/pkg/ffi"
)

func main() {}

// errMsg keeps the last C copy of the error message alive until the next
// bitnet_error_message call.
var errMsg struct {
	mu sync.Mutex
	c  *C.char
}

//export bitnet_error_message
func bitnet_error_message() *C.char {
	errMsg.mu.Lock()
	defer errMsg.mu.Unlock()
	if errMsg.c != nil {
		C.free(unsafe.Pointer(errMsg.c))
		errMsg.c = nil
	}
	if msg := ffi.LastErrorMessage(); msg != "" {
		errMsg.c = C.CString(msg)
	}
	return errMsg.c
}

//export bitnet_default_load_options
func bitnet_default_load_options() C.BitNetLoadOptions {
	return C.BitNetLoadOptions{}
}

//export bitnet_default_generate_options
func bitnet_default_generate_options() C.BitNetGenerateOptions {
	d := ffi.DefaultGenerateOptions()
	return C.BitNetGenerateOptions{
		max_tokens:     C.uint32_t(d.MaxTokens),
		temperature:    C.float(d.Temperature),
		top_k:          C.uint32_t(d.TopK),
		repeat_penalty: C.float(d.RepeatPenalty),
		repeat_last_n:  C.uint32_t(d.RepeatLastN),
	}
}

//export bitnet_load
func bitnet_load(source *C.char, options *C.BitNetLoadOptions) C.uintptr_t {
	o := ffi.DefaultLoadOptions()
	if options != nil {
		if options.cache_dir != nil {
			o.CacheDir = C.GoString(options.cache_dir)
		}
		if fn := options.on_progress; fn != nil {
			o.UserData = options.userdata
			o.OnProgress = func(p ffi.LoadProgress, ud any) {
				cp := C.BitNetLoadProgress{
					phase:    C.uint32_t(p.Phase),
					loaded:   C.uint64_t(p.Loaded),
					total:    C.uint64_t(p.Total),
					fraction: C.double(p.Fraction),
				}
				C.bitnet_call_progress(fn, &cp, ud.(unsafe.Pointer))
			}
		}
	}
	// A NULL source reads as "" and fails as an empty source.
	return C.uintptr_t(ffi.Load(C.GoString(source), &o))
}

//export bitnet_chat
func bitnet_chat(model C.uintptr_t, messages *C.BitNetChatMessage, n C.size_t, options *C.BitNetGenerateOptions, callback C.BitNetTokenFn, userdata unsafe.Pointer) C.int32_t {
	var msgs []ffi.ChatMessage
	if messages != nil && n > 0 {
		for _, m := range unsafe.Slice(messages, int(n)) {
			msgs = append(msgs, ffi.ChatMessage{Role: C.GoString(m.role), Content: C.GoString(m.content)})
		}
	}
	return C.int32_t(ffi.Chat(ffi.Handle(model), msgs, generateOptions(options), tokenCallback(callback), userdata))
}

//export bitnet_generate
func bitnet_generate(model C.uintptr_t, prompt *C.char, options *C.BitNetGenerateOptions, callback C.BitNetTokenFn, userdata unsafe.Pointer) C.int32_t {
	return C.int32_t(ffi.Generate(ffi.Handle(model), C.GoString(prompt), generateOptions(options), tokenCallback(callback), userdata))
}

//export bitnet_free
func bitnet_free(model C.uintptr_t) {
	ffi.Free(ffi.Handle(model))
}

//export bitnet_set_logger
func bitnet_set_logger(callback C.BitNetLogFn, userdata unsafe.Pointer, minLevel C.uint8_t) {
	var cb ffi.LogCallback
	if callback != nil {
		cb = func(level ffi.LogLevel, msg string, ud any) {
			cs := C.CString(msg)
			defer C.free(unsafe.Pointer(cs))
			C.bitnet_call_log(callback, C.uint8_t(level), cs, ud.(unsafe.Pointer))
		}
	}
	ffi.SetLogger(cb, userdata, ffi.LogLevel(minLevel))
}

func generateOptions(o *C.BitNetGenerateOptions) *ffi.GenerateOptions {
	if o == nil {
		return nil
	}
	return &ffi.GenerateOptions{
		MaxTokens:     uint(o.max_tokens),
		Temperature:   float32(o.temperature),
		TopK:          uint(o.top_k),
		RepeatPenalty: float32(o.repeat_penalty),
		RepeatLastN:   uint(o.repeat_last_n),
	}
}

func tokenCallback(fn C.BitNetTokenFn) ffi.TokenCallback {
	if fn == nil {
		return nil
	}
	return func(text string, length int, ud any) int32 {
		cs := C.CString(text)
		defer C.free(unsafe.Pointer(cs))
		return int32(C.bitnet_call_token(fn, cs, C.size_t(length), ud.(unsafe.Pointer)))
	}
}
