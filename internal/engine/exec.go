package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/psibot/internal/obs"
)

const (
	configFileName     = "psiphon.config"
	serverListFileName = "server_list"
	maxNoticeBytes     = 1 << 20
)

// ExecEngine runs a tunnel-core binary as a child process. The config (and
// server list, when given) are written to WorkDir and passed with -config and
// -serverList. Every line the child writes to stderr is a notice and goes to
// Provider.Notice. Lines over 1 MiB are dropped.
//
// A child process cannot call back into BindToDevice or
// HasNetworkConnectivity; hosts that need socket protection must run the
// engine in-process.
type ExecEngine struct {
	Binary      string
	Args        []string // extra arguments placed before -config
	Env         []string // extra environment, appended to os.Environ()
	WorkDir     string
	StopTimeout time.Duration // grace period between SIGTERM and kill

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

var _ Engine = (*ExecEngine)(nil)

// Start stops any running child and launches a new one.
func (e *ExecEngine) Start(configJSON, embeddedServerEntryList string, provider Provider) error {
	if provider == nil {
		return errors.New("engine: nil provider")
	}
	e.Stop()

	if err := os.MkdirAll(e.WorkDir, 0o700); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	configPath := filepath.Join(e.WorkDir, configFileName)
	if err := os.WriteFile(configPath, []byte(configJSON), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	args := append(append([]string(nil), e.Args...), "-config", configPath)
	if embeddedServerEntryList != "" {
		listPath := filepath.Join(e.WorkDir, serverListFileName)
		if err := os.WriteFile(listPath, []byte(embeddedServerEntryList), 0o600); err != nil {
			return fmt.Errorf("write server list: %w", err)
		}
		args = append(args, "-serverList", listPath)
	}

	cmd := exec.Command(e.Binary, args...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(), e.Env...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.Binary, err)
	}
	obs.Info("engine.exec.start", obs.Fields{"binary": e.Binary, "pid": cmd.Process.Pid})

	done := make(chan struct{})
	e.mu.Lock()
	e.cmd = cmd
	e.done = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		if err := readNotices(stderr, maxNoticeBytes, provider.Notice); err != nil {
			obs.Error("engine.exec.read", obs.Fields{"err": err.Error()})
			_, _ = io.Copy(io.Discard, stderr)
		}
		err := cmd.Wait()
		fields := obs.Fields{"pid": cmd.Process.Pid}
		if err != nil {
			fields["err"] = err.Error()
		}
		obs.Info("engine.exec.exit", fields)
	}()
	return nil
}

// Stop terminates the child, escalating to kill after StopTimeout.
func (e *ExecEngine) Stop() {
	e.mu.Lock()
	cmd, done := e.cmd, e.done
	e.cmd, e.done = nil, nil
	e.mu.Unlock()
	if cmd == nil {
		return
	}

	timeout := e.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(timeout):
		obs.Warn("engine.exec.kill", obs.Fields{"pid": cmd.Process.Pid})
		_ = cmd.Process.Kill()
		<-done
	}
}

// Running reports whether a child process is being supervised.
func (e *ExecEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// readNotices calls emit for each newline-terminated line of r. Lines longer
// than max bytes are dropped whole and reading continues with the next line.
func readNotices(r io.Reader, max int, emit func(string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	oversized := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > max {
				oversized = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if oversized {
			obs.Warn("engine.exec.notice_too_long", obs.Fields{"limit": max})
		} else if text := strings.TrimRight(string(line), "\r\n"); text != "" {
			emit(text)
		}
		line = line[:0]
		oversized = false
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
