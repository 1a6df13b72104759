// Package backend runs the tunnel engine of a session as an OpenVPN child
// process.
//
// Every session gets a private directory holding its profile, the status
// file and, only while the process starts, the answers it needs. Output
// of the process is turned into status changes and log events.
package backend

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/configmgr"
	"github.com/yllada/vpn-sessiond/requiresqueue"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

// Errors reported by Connect and Resume.
var (
	ErrAuthFailed     = errors.New("authentication failed")
	ErrChallenge      = errors.New("server requested a challenge response")
	ErrProcessExited  = errors.New("openvpn exited before the tunnel came up")
	errNotPrepared    = errors.New("backend not prepared")
	errAlreadyRunning = errors.New("openvpn already running")
)

// Request names used in the credential queue.
const (
	NameUsername         = "username"
	NamePassword         = "password"
	NameStaticChallenge  = "static_challenge"
	NameDynamicChallenge = "dynamic_challenge"
	NamePKPassphrase     = "pk_passphrase"
	NameProxyUsername    = "http_proxy_user"
	NameProxyPassword    = "http_proxy_pass"
)

const stopTimeout = 5 * time.Second

// Options configures the process backend.
type Options struct {
	// Binary is the OpenVPN executable. Defaults to "openvpn".
	Binary string
	// WorkDir holds the private session directories. Defaults to a
	// directory below os.TempDir().
	WorkDir string
	// Verb is passed as --verb.
	Verb int
}

// NewFactory returns a factory creating process backends.
func NewFactory(opts Options) sessionmgr.BackendFactory {
	return func(info sessionmgr.SessionInfo, sink sessionmgr.EventSink) (sessionmgr.Backend, error) {
		return New(opts, info, sink), nil
	}
}

// needs records what a profile asks for before connecting.
type needs struct {
	userPass        bool
	staticChallenge bool
	askpass         bool
	proxyCreds      bool
}

// challenge is a pending dynamic challenge answered on the next start.
type challenge struct {
	state    string
	username string
}

// Process is a Backend driving one OpenVPN process at a time.
type Process struct {
	opts Options
	info sessionmgr.SessionInfo
	sink sessionmgr.EventSink

	mu        sync.Mutex
	dir       string
	needs     needs
	challenge *challenge
	creds     sessionmgr.Credentials
	current   *run
	stats     sessionmgr.Statistics
}

// New creates a process backend for one session.
func New(opts Options, info sessionmgr.SessionInfo, sink sessionmgr.EventSink) *Process {
	if opts.Binary == "" {
		opts.Binary = "openvpn"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), common.AppName)
	}
	if opts.Verb <= 0 {
		opts.Verb = 3
	}
	return &Process{opts: opts, info: info, sink: sink}
}

// Files inside the private session directory.
const (
	profileFile = "profile.conf"
	statusFile  = "status"
	authFile    = "auth"
	askpassFile = "askpass"
	proxyFile   = "proxy-auth"
)

func (p *Process) file(name string) string {
	return filepath.Join(p.dir, name)
}

// Prepare writes the profile into a private directory and queues a
// request for every input the profile needs.
func (p *Process) Prepare(_ context.Context, profile *configmgr.Profile, queue *requiresqueue.Queue) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.opts.WorkDir, 0700); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	dir, err := os.MkdirTemp(p.opts.WorkDir, "session-")
	if err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	p.dir = dir

	if err := os.WriteFile(p.file(profileFile), []byte(profile.Blob), 0600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	parsed := profile.Parsed
	if parsed.Has("auth-user-pass") {
		p.needs.userPass = true
		queue.RequireAdd(requiresqueue.TypeCredentials, requiresqueue.GroupUserPassword,
			NameUsername, "Auth Username", false)
		queue.RequireAdd(requiresqueue.TypeCredentials, requiresqueue.GroupUserPassword,
			NamePassword, "Auth Password", true)
	}
	if opt, ok := parsed.Get("static-challenge"); ok && p.needs.userPass && len(opt.Args) > 0 {
		p.needs.staticChallenge = true
		echo := len(opt.Args) > 1 && opt.Args[1] == "1"
		queue.RequireAdd(requiresqueue.TypeCredentials, requiresqueue.GroupChallengeStatic,
			NameStaticChallenge, opt.Args[0], !echo)
	}
	if parsed.Has("askpass") {
		p.needs.askpass = true
		queue.RequireAdd(requiresqueue.TypeCredentials, requiresqueue.GroupPKPassphrase,
			NamePKPassphrase, "Private key passphrase", true)
	}
	if opt, ok := parsed.Get("http-proxy"); ok && len(opt.Args) > 2 && opt.Args[2] == "stdin" {
		p.needs.proxyCreds = true
		queue.RequireAdd(requiresqueue.TypeCredentials, requiresqueue.GroupHTTPProxyCreds,
			NameProxyUsername, "HTTP proxy username", false)
		queue.RequireAdd(requiresqueue.TypeCredentials, requiresqueue.GroupHTTPProxyCreds,
			NameProxyPassword, "HTTP proxy password", true)
	}

	common.LogWith(common.Fields{"session": p.info.Path, "dir": dir}).Debug("Backend prepared")
	return nil
}

// Connect starts OpenVPN and blocks until the tunnel is up, the process
// fails or ctx ends.
func (p *Process) Connect(ctx context.Context, creds sessionmgr.Credentials) error {
	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	return p.startAndWait(ctx)
}

// Pause tears the process down. The tunnel is rebuilt by Resume.
func (p *Process) Pause(_ context.Context, reason string) error {
	p.mu.Lock()
	r := p.current
	p.current = nil
	p.mu.Unlock()

	if r == nil {
		return nil
	}
	common.LogWith(common.Fields{"session": p.info.Path, "reason": reason}).Info("Stopping openvpn for pause")
	r.stop()
	return nil
}

// Resume starts the process again with the answers given to Connect.
func (p *Process) Resume(ctx context.Context) error {
	return p.startAndWait(ctx)
}

// Disconnect stops the process and removes the private directory.
func (p *Process) Disconnect(_ context.Context) error {
	p.mu.Lock()
	r := p.current
	p.current = nil
	dir := p.dir
	p.dir = ""
	p.creds = nil
	p.challenge = nil
	p.mu.Unlock()

	if r != nil {
		r.stop()
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove session directory: %w", err)
		}
	}
	return nil
}

// Statistics reads the counters from the OpenVPN status file. The last
// snapshot is returned when the file cannot be read.
func (p *Process) Statistics() sessionmgr.Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil || p.dir == "" {
		return p.stats
	}
	f, err := os.Open(p.file(statusFile))
	if err != nil {
		return p.stats
	}
	defer f.Close()

	stats, err := parseStatus(f)
	if err != nil {
		common.LogWith(common.Fields{"session": p.info.Path}).Debugf("Unreadable status file: %v", err)
		return p.stats
	}
	p.stats = stats
	return stats
}

// PID returns the process id of the running OpenVPN, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	return p.current.cmd.Process.Pid
}

func (p *Process) startAndWait(ctx context.Context) error {
	r, err := p.start()
	if err != nil {
		return err
	}
	p.sink.StatusChange(sessionmgr.Status{
		Major:   sessionmgr.StatusMajorProcess,
		Minor:   sessionmgr.StatusMinorProcStarted,
		Message: "pid " + strconv.Itoa(r.cmd.Process.Pid),
	})

	err = r.wait(ctx)
	p.removeSecrets()
	if err != nil {
		r.stop()
		p.mu.Lock()
		if p.current == r {
			p.current = nil
		}
		p.mu.Unlock()
	}
	return err
}

func (p *Process) start() (*run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dir == "" {
		return nil, errNotPrepared
	}
	if p.current != nil {
		return nil, errAlreadyRunning
	}

	args, err := p.writeSecrets()
	if err != nil {
		p.wipeSecretFiles()
		return nil, err
	}

	cmd := exec.Command(p.opts.Binary, args...)
	cmd.Dir = p.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out, err := cmd.StdoutPipe()
	if err != nil {
		p.wipeSecretFiles()
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		p.wipeSecretFiles()
		return nil, fmt.Errorf("failed to start %s: %w", p.opts.Binary, err)
	}

	r := newRun(cmd)
	p.current = r
	p.stats = nil

	common.LogWith(common.Fields{
		"session": p.info.Path,
		"pid":     cmd.Process.Pid,
	}).Info("OpenVPN process started")

	go p.monitorOutput(r, out)
	return r, nil
}

// writeSecrets writes the answer files for this start and returns the
// process arguments. Must be called with mu held.
func (p *Process) writeSecrets() ([]string, error) {
	args := []string{
		"--config", p.file(profileFile),
		"--status", p.file(statusFile), "1",
		"--verb", strconv.Itoa(p.opts.Verb),
		"--auth-retry", "none",
	}
	creds := p.creds
	if creds == nil {
		creds = noCredentials{}
	}

	if p.needs.userPass {
		username, _ := creds.Value(requiresqueue.TypeCredentials, requiresqueue.GroupUserPassword, NameUsername)
		password, _ := creds.Value(requiresqueue.TypeCredentials, requiresqueue.GroupUserPassword, NamePassword)

		switch {
		case p.challenge != nil:
			response, ok := creds.Value(requiresqueue.TypeCredentials, requiresqueue.GroupChallengeDynamic, NameDynamicChallenge)
			if !ok {
				return nil, fmt.Errorf("%w: challenge response missing", common.ErrNotReady)
			}
			if p.challenge.username != "" {
				username = p.challenge.username
			}
			password = dynamicResponse(p.challenge.state, response)
			p.challenge = nil
		case p.needs.staticChallenge:
			response, _ := creds.Value(requiresqueue.TypeCredentials, requiresqueue.GroupChallengeStatic, NameStaticChallenge)
			password = staticResponse(password, response)
		}

		if err := writeSecretFile(p.file(authFile), username+"\n"+password+"\n"); err != nil {
			return nil, err
		}
		args = append(args, "--auth-user-pass", p.file(authFile), "--auth-nocache")
	}

	if p.needs.askpass {
		pass, _ := creds.Value(requiresqueue.TypeCredentials, requiresqueue.GroupPKPassphrase, NamePKPassphrase)
		if err := writeSecretFile(p.file(askpassFile), pass+"\n"); err != nil {
			return nil, err
		}
		args = append(args, "--askpass", p.file(askpassFile))
	}

	if p.needs.proxyCreds {
		user, _ := creds.Value(requiresqueue.TypeCredentials, requiresqueue.GroupHTTPProxyCreds, NameProxyUsername)
		pass, _ := creds.Value(requiresqueue.TypeCredentials, requiresqueue.GroupHTTPProxyCreds, NameProxyPassword)
		if err := writeSecretFile(p.file(proxyFile), user+"\n"+pass+"\n"); err != nil {
			return nil, err
		}
		args = append(args, "--http-proxy-user-pass", p.file(proxyFile))
	}
	return args, nil
}

func (p *Process) removeSecrets() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wipeSecretFiles()
}

// wipeSecretFiles must be called with mu held.
func (p *Process) wipeSecretFiles() {
	if p.dir == "" {
		return
	}
	for _, path := range []string{p.file(authFile), p.file(askpassFile), p.file(proxyFile)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			common.LogWith(common.Fields{"session": p.info.Path}).Warnf("Failed to remove %s: %v", filepath.Base(path), err)
		}
	}
}

func writeSecretFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := io.WriteString(f, content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// staticResponse encodes a password and a static challenge response the
// way OpenVPN expects them in the password field.
func staticResponse(password, response string) string {
	enc := base64.StdEncoding
	return "SCRV1:" + enc.EncodeToString([]byte(password)) + ":" + enc.EncodeToString([]byte(response))
}

// dynamicResponse answers a CRV1 challenge.
func dynamicResponse(state, response string) string {
	return "CRV1::" + state + "::" + response
}

// monitorOutput turns process output into events until the process exits.
func (p *Process) monitorOutput(r *run, out io.Reader) {
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := scanner.Text()
		ev := classifyLine(line)

		p.sink.Log(sessionmgr.LogEvent{
			Group:    sessionmgr.LogGroupBackendProc,
			Category: ev.category,
			Message:  line,
		})

		switch ev.kind {
		case lineConnected:
			r.markUp()
		case lineAuthFailed:
			p.sink.StatusChange(sessionmgr.Status{
				Major: sessionmgr.StatusMajorConnection,
				Minor: sessionmgr.StatusMinorConnAuthFailed,
			})
			p.requeueCredentials()
			r.fail(ErrAuthFailed)
		case lineChallenge:
			p.requestChallenge(ev.challenge)
			p.sink.StatusChange(sessionmgr.Status{
				Major:   sessionmgr.StatusMajorSession,
				Minor:   sessionmgr.StatusMinorSessAuthChallenge,
				Message: ev.challenge.text,
			})
			r.fail(ErrChallenge)
		case lineOpenURL:
			p.sink.StatusChange(sessionmgr.Status{
				Major:   sessionmgr.StatusMajorSession,
				Minor:   sessionmgr.StatusMinorSessAuthURL,
				Message: ev.url,
			})
		case lineFatal:
			r.fail(errors.New(ev.message))
		}
	}

	err := r.cmd.Wait()
	r.exit(err)

	if r.stopping.Load() {
		return
	}
	msg := "openvpn exited"
	if err != nil {
		msg = err.Error()
	}
	common.LogWith(common.Fields{"session": p.info.Path}).Warn(msg)

	p.mu.Lock()
	if p.current == r {
		p.current = nil
	}
	p.mu.Unlock()

	if r.isUp() {
		p.sink.StatusChange(sessionmgr.Status{
			Major:   sessionmgr.StatusMajorConnection,
			Minor:   sessionmgr.StatusMinorConnDisconnected,
			Message: msg,
		})
	}
	p.sink.StatusChange(sessionmgr.Status{
		Major:   sessionmgr.StatusMajorProcess,
		Minor:   sessionmgr.StatusMinorProcStopped,
		Message: msg,
	})
}

// requeueCredentials asks for username and password again after the
// server rejected them.
func (p *Process) requeueCredentials() {
	p.mu.Lock()
	n := p.needs
	p.mu.Unlock()

	if !n.userPass {
		return
	}
	p.sink.ClearInput(requiresqueue.TypeCredentials, requiresqueue.GroupUserPassword)
	p.sink.RequireInput(requiresqueue.TypeCredentials, requiresqueue.GroupUserPassword,
		NameUsername, "Auth Username", false)
	p.sink.RequireInput(requiresqueue.TypeCredentials, requiresqueue.GroupUserPassword,
		NamePassword, "Auth Password", true)
	if n.staticChallenge {
		p.sink.ClearInput(requiresqueue.TypeCredentials, requiresqueue.GroupChallengeStatic)
		p.sink.RequireInput(requiresqueue.TypeCredentials, requiresqueue.GroupChallengeStatic,
			NameStaticChallenge, "Challenge response", true)
	}
}

func (p *Process) requestChallenge(c crv1) {
	p.mu.Lock()
	p.challenge = &challenge{state: c.state, username: c.username}
	p.mu.Unlock()

	p.sink.ClearInput(requiresqueue.TypeCredentials, requiresqueue.GroupChallengeDynamic)
	p.sink.RequireInput(requiresqueue.TypeCredentials, requiresqueue.GroupChallengeDynamic,
		NameDynamicChallenge, c.text, !c.echo)
}

// run is one OpenVPN process.
type run struct {
	cmd      *exec.Cmd
	up       chan struct{}
	failed   chan error
	exited   chan struct{}
	upOnce   sync.Once
	upFlag   atomic.Bool
	stopping atomic.Bool
	exitErr  error
}

func newRun(cmd *exec.Cmd) *run {
	return &run{
		cmd:    cmd,
		up:     make(chan struct{}),
		failed: make(chan error, 1),
		exited: make(chan struct{}),
	}
}

func (r *run) markUp() {
	r.upOnce.Do(func() {
		r.upFlag.Store(true)
		close(r.up)
	})
}

func (r *run) isUp() bool {
	return r.upFlag.Load()
}

// fail records the first failure of the run.
func (r *run) fail(err error) {
	select {
	case r.failed <- err:
	default:
	}
}

func (r *run) exit(err error) {
	r.exitErr = err
	close(r.exited)
}

func (r *run) wait(ctx context.Context) error {
	select {
	case <-r.up:
		return nil
	case err := <-r.failed:
		return err
	case <-r.exited:
		select {
		case err := <-r.failed:
			return err
		default:
		}
		if r.exitErr != nil {
			return fmt.Errorf("%w: %v", ErrProcessExited, r.exitErr)
		}
		return ErrProcessExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop terminates the process group, escalating to SIGKILL when the
// process ignores SIGTERM.
func (r *run) stop() {
	r.stopping.Store(true)
	pid := r.cmd.Process.Pid

	select {
	case <-r.exited:
		return
	default:
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		common.LogWarn("Failed to signal openvpn (pid %d): %v", pid, err)
	}

	select {
	case <-r.exited:
	case <-time.After(stopTimeout):
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-r.exited
	}
}

type noCredentials struct{}

func (noCredentials) Value(requiresqueue.Type, requiresqueue.Group, string) (string, bool) {
	return "", false
}

func (noCredentials) Values(requiresqueue.Group) map[string]string { return nil }
