package backend

import (
	"encoding/base64"
	"strings"

	"github.com/yllada/vpn-sessiond/sessionmgr"
)

type lineKind int

const (
	lineOther lineKind = iota
	lineConnected
	lineAuthFailed
	lineChallenge
	lineOpenURL
	lineFatal
)

// crv1 is a dynamic challenge sent by the server.
type crv1 struct {
	state    string
	username string
	text     string
	echo     bool
}

type lineEvent struct {
	kind      lineKind
	category  sessionmgr.LogCategory
	message   string
	url       string
	challenge crv1
}

// classifyLine maps one line of OpenVPN output to an event.
func classifyLine(line string) lineEvent {
	ev := lineEvent{kind: lineOther, category: sessionmgr.LogCategoryInfo, message: line}

	switch {
	case strings.Contains(line, "Initialization Sequence Completed"):
		ev.kind = lineConnected
		if strings.Contains(line, "With Errors") {
			ev.category = sessionmgr.LogCategoryWarn
		}
	case strings.Contains(line, "CRV1:"):
		if c, ok := parseCRV1(line); ok {
			ev.kind = lineChallenge
			ev.challenge = c
		} else {
			ev.kind = lineAuthFailed
			ev.category = sessionmgr.LogCategoryError
		}
	case strings.Contains(line, "AUTH_FAILED"):
		ev.kind = lineAuthFailed
		ev.category = sessionmgr.LogCategoryError
	case strings.Contains(line, "OPEN_URL:"):
		ev.kind = lineOpenURL
		ev.url = afterMarker(line, "OPEN_URL:")
	case strings.Contains(line, "WEB_AUTH:"):
		ev.kind = lineOpenURL
		ev.url = webAuthURL(afterMarker(line, "WEB_AUTH:"))
	case strings.Contains(line, "Exiting due to fatal error"),
		strings.Contains(line, "Options error:"):
		ev.kind = lineFatal
		ev.category = sessionmgr.LogCategoryFatal
	case strings.Contains(line, "ERROR:"):
		ev.category = sessionmgr.LogCategoryError
	case strings.Contains(line, "WARNING:"):
		ev.category = sessionmgr.LogCategoryWarn
	}
	return ev
}

// parseCRV1 decodes "CRV1:<flags>:<state>:<username_b64>:<text>".
func parseCRV1(line string) (crv1, bool) {
	rest := afterMarker(line, "CRV1:")
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 || parts[1] == "" {
		return crv1{}, false
	}

	c := crv1{state: parts[1], text: strings.TrimSpace(parts[3])}
	for _, flag := range strings.Split(parts[0], ",") {
		if flag == "E" {
			c.echo = true
		}
	}
	if user, err := base64.StdEncoding.DecodeString(parts[2]); err == nil {
		c.username = string(user)
	}
	if c.text == "" {
		c.text = "Challenge response"
	}
	return c, true
}

func afterMarker(line, marker string) string {
	i := strings.Index(line, marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(strings.Trim(line[i+len(marker):], "'\""))
}

// webAuthURL strips the flags of a "WEB_AUTH:<flags>:<url>" message.
func webAuthURL(s string) string {
	if i := strings.Index(s, ":"); i >= 0 && !strings.HasPrefix(s[i:], "://") {
		return s[i+1:]
	}
	return s
}
