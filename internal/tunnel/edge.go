package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BadgerOps/packshare/internal/shareerr"
)

// DefaultEdgeURLPattern matches quick-tunnel hostnames printed by cloudflared.
const DefaultEdgeURLPattern = `https://[a-z0-9-]+\.trycloudflare\.com`

// edgeStopWait bounds how long Close waits after SIGTERM before killing.
const edgeStopWait = 5 * time.Second

// EdgeOptions configures the edge connector subprocess.
type EdgeOptions struct {
	Binary string
	// Args may contain {port} and {url}, replaced with the local port and
	// http://127.0.0.1:<port>.
	Args       []string
	URLPattern string
}

// EdgeProvider runs an edge-network connector (cloudflared by default) and
// scrapes the public URL from its output.
type EdgeProvider struct {
	binary  string
	args    []string
	pattern *regexp.Regexp
	logger  *slog.Logger
}

// NewEdgeProvider compiles the URL pattern and fills defaults.
func NewEdgeProvider(opts EdgeOptions, logger *slog.Logger) (*EdgeProvider, error) {
	if opts.Binary == "" {
		opts.Binary = "cloudflared"
	}
	if len(opts.Args) == 0 {
		opts.Args = []string{"tunnel", "--no-autoupdate", "--url", "{url}"}
	}
	if opts.URLPattern == "" {
		opts.URLPattern = DefaultEdgeURLPattern
	}
	re, err := regexp.Compile(opts.URLPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling edge url pattern: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EdgeProvider{binary: opts.Binary, args: opts.Args, pattern: re, logger: logger}, nil
}

// Kind implements Provider.
func (p *EdgeProvider) Kind() Kind { return KindEdge }

func (p *EdgeProvider) expandArgs(port int) []string {
	r := strings.NewReplacer(
		"{port}", strconv.Itoa(port),
		"{url}", fmt.Sprintf("http://127.0.0.1:%d", port),
	)
	out := make([]string, len(p.args))
	for i, a := range p.args {
		out[i] = r.Replace(a)
	}
	return out
}

// Open starts the connector and waits until it prints a public URL. The
// process outlives ctx; ctx only bounds the wait.
func (p *EdgeProvider) Open(ctx context.Context, localPort int) (Handle, error) {
	bin, err := exec.LookPath(p.binary)
	if err != nil {
		return nil, shareerr.Wrap(shareerr.TunnelUnavailable, "open_tunnel", "", err, fmt.Sprintf("edge connector %q not found", p.binary))
	}

	cmd := exec.Command(bin, p.expandArgs(localPort)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("edge stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("edge stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, shareerr.Wrap(shareerr.TunnelUnavailable, "open_tunnel", "", err, "starting edge connector")
	}

	h := &edgeHandle{
		cmd:    cmd,
		exited: make(chan struct{}),
		logger: p.logger.With("pid", cmd.Process.Pid),
	}
	if st, err := processStartTime(cmd.Process.Pid); err == nil {
		h.started = st
	} else {
		h.logger.Debug("process start time unavailable, orphan cleanup disabled", "error", err)
	}

	lines := make(chan string, 64)
	for _, r := range []io.Reader{stdout, stderr} {
		go func(r io.Reader) {
			sc := bufio.NewScanner(r)
			for sc.Scan() {
				select {
				case lines <- sc.Text():
				default:
					// nobody is waiting for a URL anymore
				}
				h.logger.Debug("edge connector", "line", sc.Text())
			}
		}(r)
	}
	// Wait closes the pipes once the connector exits, which also ends the
	// scanners even if a grandchild still holds them.
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()

	for {
		select {
		case line := <-lines:
			if u := p.pattern.FindString(line); u != "" {
				h.url = u
				return h, nil
			}
			lower := strings.ToLower(line)
			if strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") {
				_ = h.Close()
				return nil, shareerr.New(shareerr.RateLimited, "open_tunnel", "", "edge network rate limit: "+strings.TrimSpace(line))
			}
		case <-h.exited:
			return nil, shareerr.Wrap(shareerr.TunnelUnavailable, "open_tunnel", "", h.waitErr, "edge connector exited before publishing a url")
		case <-ctx.Done():
			_ = h.Close()
			return nil, ctx.Err()
		}
	}
}

// ForceClose terminates the connector recorded as "pid:<n>@<start>". The
// signal is only sent while the process at that pid still has the recorded
// start time; a pid the kernel has since handed to another program is left
// alone. A process that is already gone counts as closed.
func (p *EdgeProvider) ForceClose(_ context.Context, resource string) error {
	raw, ok := strings.CutPrefix(resource, "pid:")
	if !ok {
		return fmt.Errorf("not an edge resource: %q", resource)
	}
	raw, recorded, _ := strings.Cut(raw, "@")
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid in resource %q", resource)
	}

	current, err := processStartTime(pid)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		p.logger.Warn("cannot verify orphaned edge connector, leaving it", "pid", pid, "error", err)
		return nil
	case recorded == "":
		p.logger.Warn("edge resource has no start time, leaving process alone", "pid", pid)
		return nil
	case current != recorded:
		p.logger.Info("pid now belongs to another process, skipping", "pid", pid)
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signalling edge connector %d: %w", pid, err)
	}
	p.logger.Info("terminated orphaned edge connector", "pid", pid)
	return nil
}

// processStartTime returns the start time field of /proc/<pid>/stat, in
// clock ticks since boot. It survives exec, so it identifies the process
// for as long as the pid is held.
func processStartTime(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}
	// comm is parenthesised and may itself contain spaces or parens.
	i := bytes.LastIndexByte(data, ')')
	if i < 0 {
		return "", fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(data[i+1:]))
	// fields[0] is state (field 3); starttime is field 22.
	if len(fields) < 20 {
		return "", fmt.Errorf("malformed stat for pid %d", pid)
	}
	return fields[19], nil
}

type edgeHandle struct {
	cmd     *exec.Cmd
	started string
	url     string
	exited  chan struct{}
	waitErr error
	once    sync.Once
	logger  *slog.Logger
}

func (h *edgeHandle) URL() string      { return h.url }
func (h *edgeHandle) Resource() string {
	if h.started == "" {
		return fmt.Sprintf("pid:%d", h.cmd.Process.Pid)
	}
	return fmt.Sprintf("pid:%d@%s", h.cmd.Process.Pid, h.started)
}

// PID returns the connector process id.
func (h *edgeHandle) PID() int { return h.cmd.Process.Pid }

// Close sends SIGTERM, then kills the connector if it lingers.
func (h *edgeHandle) Close() error {
	h.once.Do(func() {
		select {
		case <-h.exited:
			return
		default:
		}
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-h.exited:
		case <-time.After(edgeStopWait):
			h.logger.Warn("edge connector ignored SIGTERM, killing")
			_ = h.cmd.Process.Kill()
			<-h.exited
		}
	})
	return nil
}
