package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"inferd/pkg/types"
)

// LlamaServerConfig configures how LlamaServer spawns and talks to an
// external llama.cpp server process per model path.
type LlamaServerConfig struct {
	Binary       string
	Host         string
	ExtraArgs    []string
	CtxSize      int
	Threads      int
	NGL          int
	ReadyTimeout time.Duration
}

// LlamaServer drives generation through a subprocess-managed llama.cpp
// server, reusing one process per model path and talking its
// OpenAI-compatible streaming completions endpoint. It is the extension
// point a GPU deployment is expected to swap in for Mock.
type LlamaServer struct {
	cfg LlamaServerConfig

	mu    sync.Mutex
	procs map[string]*process

	httpClient *http.Client
	modelPath  string
}

type process struct {
	cmd     *exec.Cmd
	baseURL string
	ready   bool
}

// NewLlamaServer constructs an adapter bound to a single model path; the
// Registry loads one LlamaServer instance per (name, version).
func NewLlamaServer(modelPath string, cfg LlamaServerConfig) *LlamaServer {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	return &LlamaServer{
		cfg:        cfg,
		procs:      make(map[string]*process),
		httpClient: &http.Client{Timeout: 0},
		modelPath:  modelPath,
	}
}

func (a *LlamaServer) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan types.StreamToken, <-chan error) {
	out := make(chan types.StreamToken, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		base, err := a.ensureProcess(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if err := a.stream(ctx, base, prompt, maxTokens, temperature, out); err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func (a *LlamaServer) HealthCheck(ctx context.Context) bool {
	a.mu.Lock()
	p := a.procs[a.modelPath]
	a.mu.Unlock()
	if p == nil {
		return false
	}
	return a.isHealthy(ctx, p.baseURL)
}

func (a *LlamaServer) Cleanup() error {
	a.mu.Lock()
	p := a.procs[a.modelPath]
	a.mu.Unlock()
	return a.stop(p)
}

func (a *LlamaServer) isHealthy(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (a *LlamaServer) ensureProcess(ctx context.Context) (string, error) {
	a.mu.Lock()
	if p := a.procs[a.modelPath]; p != nil && p.ready {
		base := p.baseURL
		a.mu.Unlock()
		if a.isHealthy(ctx, base) {
			return base, nil
		}
		a.mu.Lock()
	}
	a.mu.Unlock()

	port, err := pickFreePort(a.cfg.Host)
	if err != nil {
		return "", err
	}
	baseURL := fmt.Sprintf("http://%s:%d", a.cfg.Host, port)

	args := []string{"-m", a.modelPath, "--host", a.cfg.Host, "--port", strconv.Itoa(port)}
	if a.cfg.CtxSize > 0 {
		args = append(args, "-c", strconv.Itoa(a.cfg.CtxSize))
	}
	if a.cfg.NGL > 0 {
		args = append(args, "-ngl", strconv.Itoa(a.cfg.NGL))
	}
	if a.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(a.cfg.Threads))
	}
	args = append(args, a.cfg.ExtraArgs...)

	cmd := exec.Command(a.cfg.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start llama-server: %w", err)
	}
	log.Info().Str("model_path", a.modelPath).Int("pid", cmd.Process.Pid).Int("port", port).Msg("llama-server spawned")

	a.mu.Lock()
	a.procs[a.modelPath] = &process{cmd: cmd, baseURL: baseURL}
	a.mu.Unlock()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	deadline := time.Now().Add(a.cfg.ReadyTimeout)
	for {
		if time.Now().After(deadline) {
			a.mu.Lock()
			delete(a.procs, a.modelPath)
			a.mu.Unlock()
			return "", fmt.Errorf("llama-server not ready after %s", a.cfg.ReadyTimeout)
		}
		select {
		case werr := <-waitErr:
			tail := stderr.String()
			if len(tail) > 2048 {
				tail = tail[len(tail)-2048:]
			}
			a.mu.Lock()
			delete(a.procs, a.modelPath)
			a.mu.Unlock()
			return "", fmt.Errorf("llama-server exited before ready: %v; stderr tail: %s", werr, tail)
		default:
		}
		checkCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		healthy := a.isHealthy(checkCtx, baseURL)
		cancel()
		if healthy {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	a.mu.Lock()
	if p := a.procs[a.modelPath]; p != nil {
		p.ready = true
	}
	a.mu.Unlock()
	return baseURL, nil
}

type completionRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type completionChunk struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (a *LlamaServer) stream(ctx context.Context, baseURL, prompt string, maxTokens int, temperature float64, out chan<- types.StreamToken) error {
	payload, _ := json.Marshal(completionRequest{Prompt: prompt, MaxTokens: maxTokens, Temperature: temperature, Stream: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/completions", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("llama-server http error %s: %s", resp.Status, string(b))
	}

	r := bufio.NewReader(resp.Body)
	id := 0
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			l := strings.TrimSpace(line)
			if strings.HasPrefix(strings.ToLower(l), "data:") {
				data := strings.TrimSpace(l[len("data:"):])
				if data == "[DONE]" {
					return nil
				}
				var chunk completionChunk
				if e := json.Unmarshal([]byte(data), &chunk); e == nil && len(chunk.Choices) > 0 {
					if text := chunk.Choices[0].Text; text != "" {
						select {
						case out <- types.StreamToken{Token: text, TokenID: id}:
							id++
						case <-ctx.Done():
							return ctx.Err()
						}
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (a *LlamaServer) stop(p *process) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		_, _ = p.cmd.Process.Wait()
	}
	a.mu.Lock()
	delete(a.procs, a.modelPath)
	a.mu.Unlock()
	return nil
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected addr: %s", addr)
	}
	return strconv.Atoi(addr[idx+1:])
}
