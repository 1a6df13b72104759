package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/term"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/keyring"
	"github.com/yllada/vpn-sessiond/requiresqueue"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

// maxConnectAttempts bounds how often start re-prompts after the backend
// asked for more input during a connect.
const maxConnectAttempts = 5

// sessionClient is the part of the session service start drives.
type sessionClient interface {
	Ready(ctx context.Context, path string) (sessionmgr.Readiness, error)
	QueueFetch(ctx context.Context, path string, t requiresqueue.Type, g requiresqueue.Group) ([]requiresqueue.Request, error)
	Provide(ctx context.Context, path string, req requiresqueue.Request, value string) error
	Connect(ctx context.Context, path string) error
}

// credentialStore remembers answers between runs.
type credentialStore interface {
	Get(k keyring.Key) (string, error)
	Set(k keyring.Key, value string) error
	ForgetProfile(profile string, names []string) error
}

// prompter asks the user for one answer.
type prompter interface {
	Prompt(req requiresqueue.Request) (string, error)
}

// terminalPrompter reads answers from a terminal, hiding secret input
// when stdin is a tty.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

func newTerminalPrompter(in io.Reader, out io.Writer, fd int) *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out, fd: fd}
}

func (p *terminalPrompter) Prompt(req requiresqueue.Request) (string, error) {
	label := req.Description
	if label == "" {
		label = req.Name
	}
	fmt.Fprintf(p.out, "%s: ", label)

	if req.HiddenInput && term.IsTerminal(p.fd) {
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		return string(b), err
	}

	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// rememberable reports whether answers of g may be kept in the keyring.
// Challenge responses are single use.
func rememberable(g requiresqueue.Group) bool {
	switch g {
	case requiresqueue.GroupUserPassword, requiresqueue.GroupHTTPProxyCreds, requiresqueue.GroupPKPassphrase:
		return true
	}
	return false
}

// starter answers the credential queue of a session and connects it.
type starter struct {
	sessions sessionClient
	prompt   prompter
	out      io.Writer

	// store and profile are set when answers may be remembered.
	store    credentialStore
	profile  string
	remember bool

	trustStored bool
	usedStored  []string
}

// run fills the queue, connects, and goes around again while the backend
// reports that it needs more input.
func (s *starter) run(ctx context.Context, path string) error {
	s.trustStored = s.store != nil
	for attempt := 1; ; attempt++ {
		if err := s.fill(ctx, path); err != nil {
			return err
		}

		err := s.sessions.Connect(ctx, path)
		if err == nil {
			return nil
		}
		if common.Kind(err) != common.KindNotReady || attempt == maxConnectAttempts {
			return err
		}

		fmt.Fprintln(s.out, styleWarn.Render(err.Error()))
		s.forgetStored()
	}
}

// fill answers pending requests until the session reports ready.
func (s *starter) fill(ctx context.Context, path string) error {
	for {
		r, err := s.sessions.Ready(ctx, path)
		if err != nil {
			return err
		}
		if r.Ready {
			return nil
		}

		answered := 0
		for _, tg := range r.Pending {
			reqs, err := s.sessions.QueueFetch(ctx, path, requiresqueue.TypeFromWire(tg.Type), requiresqueue.GroupFromWire(tg.Group))
			if err != nil {
				return err
			}
			for _, req := range reqs {
				if req.Provided {
					continue
				}
				if err := s.answer(ctx, path, req); err != nil {
					return err
				}
				answered++
			}
		}
		if answered == 0 {
			return fmt.Errorf("session still not ready: %w", r.Err())
		}
	}
}

func (s *starter) answer(ctx context.Context, path string, req requiresqueue.Request) error {
	key := keyring.Key{Profile: s.profile, Group: req.Group, Name: req.Name}
	canStore := s.store != nil && s.profile != "" && rememberable(req.Group)

	if canStore && s.trustStored {
		if value, err := s.store.Get(key); err == nil {
			common.LogDebug("Using remembered answer for %s", key)
			s.usedStored = append(s.usedStored, req.Name)
			return s.sessions.Provide(ctx, path, req, value)
		}
	}

	value, err := s.prompt.Prompt(req)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", req.Name, err)
	}
	if err := s.sessions.Provide(ctx, path, req, value); err != nil {
		return err
	}

	if canStore && s.remember && value != "" {
		if err := s.store.Set(key, value); err != nil {
			common.LogWarn("Failed to remember %s: %v", key, err)
		}
	}
	return nil
}

// forgetStored drops remembered answers after the server rejected them.
func (s *starter) forgetStored() {
	s.trustStored = false
	if len(s.usedStored) == 0 {
		return
	}
	if err := s.store.ForgetProfile(s.profile, s.usedStored); err != nil {
		common.LogWarn("Failed to forget stale answers of %s: %v", s.profile, err)
	}
	s.usedStored = nil
}

// keyringProfile turns a configuration name into a keyring profile key.
func keyringProfile(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}
