// Package llamacpp provides the llama.cpp engine.Backend.
//
// Build tags:
//
//   - `-tags=llama`: in-process go-llama.cpp runtime (backend_llama.go,
//     llama_cgo.go with the linker rpath hints).
//   - default: a CGO-free stub whose Upload fails with
//     engine.ErrDependencyUnavailable, so builds and CI stay portable.
package llamacpp
