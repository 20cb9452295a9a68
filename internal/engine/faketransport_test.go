package engine

import (
	"context"
	"sync"
	"time"

	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// fakeTransport 内存通道，按写入内容回放脚本化输出。
// respond 在每次 WriteLine/Write 时被调用，返回的块依次入队，
// 由后续 ReadAvailable 逐块弹出
type fakeTransport struct {
	mu      sync.Mutex
	kind    transport.Kind
	openErr error
	readErr error
	opened  bool
	closed  bool
	sent    []string
	queue   [][]byte
	respond func(line string) [][]byte
}

func newFakeTransport(kind transport.Kind) *fakeTransport {
	return &fakeTransport{kind: kind}
}

func (f *fakeTransport) Open(ctx context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) WriteLine(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	if f.respond != nil {
		f.queue = append(f.queue, f.respond(text)...)
	}
	return nil
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(p))
	if f.respond != nil {
		f.queue = append(f.queue, f.respond(string(p))...)
	}
	return nil
}

func (f *fakeTransport) ReadAvailable(deadline time.Duration) ([]byte, error) {
	f.mu.Lock()
	if f.readErr != nil {
		err := f.readErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.queue) > 0 {
		chunk := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return chunk, nil
	}
	f.mu.Unlock()
	// 无数据时遵守限时读取契约
	time.Sleep(deadline)
	return nil, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Kind() transport.Kind {
	return f.kind
}

func (f *fakeTransport) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// shellReply 典型Shell响应：命令回显、输出、空闲提示符
func shellReply(cmd, output, prompt string) [][]byte {
	return [][]byte{[]byte(cmd + "\r\n" + output + "\r\n" + prompt)}
}

func mustMatcher(t interface{ Fatalf(string, ...interface{}) }, pattern, username string) *PromptMatcher {
	m, err := PromptSpec{Pattern: pattern, Username: username}.Resolve()
	if err != nil {
		t.Fatalf("failed to resolve prompt pattern: %v", err)
	}
	return m
}

func mustDetector(t interface{ Fatalf(string, ...interface{}) }, signatures []Signature) *InteractDetector {
	d, err := NewInteractDetector(signatures)
	if err != nil {
		t.Fatalf("failed to compile signatures: %v", err)
	}
	return d
}

const testPromptPattern = `{username}@[\w.-]+[^\n]*[#$]`
const testPrompt = "root@device:~# "
