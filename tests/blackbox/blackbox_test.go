package blackbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"bitnet/pkg/gguf"
	"bitnet/pkg/types"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/tests/blackbox/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T, tags ...string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds bitnetd; skipped in -short mode")
	}
	binPath := filepath.Join(t.TempDir(), "bitnetd")
	args := []string{"build", "-o", binPath}
	if len(tags) > 0 {
		args = append(args, "-tags", strings.Join(tags, ","))
	}
	cmd := exec.Command("go", append(args, "./cmd/bitnetd")...)
	cmd.Dir = projectRootFromThisFile(t)
	cmd.Env = os.Environ()
	if len(tags) == 0 {
		cmd.Env = append(cmd.Env, "CGO_ENABLED=0")
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(out))
	}
	return binPath
}

func writeModel(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tiny.gguf")
	err := gguf.NewBuilder().
		SetString("general.architecture", "bitnet").
		SetString("general.name", "tiny").
		SetStrings("tokenizer.ggml.tokens", []string{"<s>", "<|im_start|>", "<|im_end|>"}).
		AddTensor("token_embd.weight", gguf.TypeI2_S, []uint64{16, 4}, make([]byte, 16+32)).
		WriteFile(p)
	if err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

type serverProc struct {
	cmd  *exec.Cmd
	base string // http base URL, e.g. http://127.0.0.1:18080
}

func startServer(t *testing.T, bin, source string, extra ...string) *serverProc {
	t.Helper()
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args := append([]string{
		"--addr", fmt.Sprintf("127.0.0.1:%d", port),
		"--cache-dir", t.TempDir(),
		"--log-level", "debug",
	}, extra...)
	cmd := exec.Command(bin, append(args, source)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Kill()
		}
	})
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return &serverProc{cmd: cmd, base: base}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

// waitState polls /status until the model leaves the loading state.
func waitState(t *testing.T, base string) types.StatusResponse {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, body := get(t, base+"/status")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("/status %d %s", resp.StatusCode, string(body))
		}
		var st types.StatusResponse
		if err := json.Unmarshal(body, &st); err != nil {
			t.Fatalf("/status json: %v body=%s", err, string(body))
		}
		if st.State != "loading" {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("model still loading after 30s")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

const chatBody = `{"messages":[{"role":"user","content":"hello"}],"max_tokens":8}`

// Without the llama tag the model parses but cannot be placed on an engine;
// the daemon stays up and reports why.
func TestBlackbox_StubBuildReportsLoadError(t *testing.T) {
	bin := buildBinary(t)
	sp := startServer(t, bin, writeModel(t))

	st := waitState(t, sp.base)
	if st.State != "error" || !strings.Contains(st.Error, "llama") {
		t.Fatalf("status = %+v", st)
	}

	resp, body := get(t, sp.base+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz %d %s", resp.StatusCode, string(body))
	}

	resp, body = postJSON(t, sp.base+"/chat", []byte(chatBody))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/chat %d %s", resp.StatusCode, string(body))
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Code != http.StatusServiceUnavailable {
		t.Fatalf("/chat body = %s (%v)", string(body), err)
	}

	resp, body = get(t, sp.base+"/metrics")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("bitnet_http_requests_total")) {
		t.Fatalf("/metrics %d", resp.StatusCode)
	}
}

func TestBlackbox_MissingModelFile(t *testing.T) {
	bin := buildBinary(t)
	sp := startServer(t, bin, filepath.Join(t.TempDir(), "absent.gguf"))

	st := waitState(t, sp.base)
	if st.State != "error" || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestBlackbox_RejectsBadRequests(t *testing.T) {
	bin := buildBinary(t)
	sp := startServer(t, bin, writeModel(t))

	resp, body := postJSON(t, sp.base+"/chat", []byte(`{"messages":[]}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty messages: %d %s", resp.StatusCode, string(body))
	}
	resp, body = postJSON(t, sp.base+"/chat", []byte(`{`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json: %d %s", resp.StatusCode, string(body))
	}
}

// Runs a real model end to end when BITNET_E2E_MODEL names a GGUF file or URL.
// Requires a cgo toolchain with llama.cpp available to the llama tag.
func TestBlackbox_LiveChat(t *testing.T) {
	model := os.Getenv("BITNET_E2E_MODEL")
	if model == "" {
		t.Skip("BITNET_E2E_MODEL not set")
	}
	bin := buildBinary(t, "llama")
	sp := startServer(t, bin, model, "--threads", "2")

	st := waitState(t, sp.base)
	if st.State != "ready" || st.Model == nil {
		t.Fatalf("status = %+v", st)
	}

	resp, body := postJSON(t, sp.base+"/chat", []byte(chatBody))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/chat %d %s", resp.StatusCode, string(body))
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	var last types.DoneLine
	lines := 0
	for sc.Scan() {
		lines++
		_ = json.Unmarshal(sc.Bytes(), &last)
	}
	if lines < 2 || !last.Done || last.Tokens == 0 {
		t.Fatalf("stream = %q", string(body))
	}
}
