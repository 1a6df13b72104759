package configmgr

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/yllada/vpn-sessiond/common"
)

// Option is one directive line of a profile.
type Option struct {
	Name string   `json:"option"`
	Args []string `json:"args,omitempty"`
}

// InlineBlock is an embedded file such as <ca>...</ca>.
type InlineBlock struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// ParsedProfile is the structured form of an imported profile blob.
type ParsedProfile struct {
	Options []Option      `json:"options"`
	Inline  []InlineBlock `json:"inline,omitempty"`
}

// Has reports whether the directive is present.
func (p *ParsedProfile) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Get returns the first occurrence of a directive.
func (p *ParsedProfile) Get(name string) (Option, bool) {
	for _, o := range p.Options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// All returns every occurrence of a directive.
func (p *ParsedProfile) All(name string) []Option {
	var out []Option
	for _, o := range p.Options {
		if o.Name == name {
			out = append(out, o)
		}
	}
	return out
}

// InlineContent returns the content of an inline block.
func (p *ParsedProfile) InlineContent(tag string) (string, bool) {
	for _, b := range p.Inline {
		if b.Tag == tag {
			return b.Content, true
		}
	}
	return "", false
}

// ParseProfile parses an OpenVPN style profile. The profile must carry
// a "client" or "remote" directive and every inline block must be closed.
func ParseProfile(blob string) (*ParsedProfile, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, fmt.Errorf("%w: empty profile", common.ErrInvalidConfig)
	}

	p := &ParsedProfile{}
	scanner := bufio.NewScanner(strings.NewReader(blob))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		block   string
		content strings.Builder
		lineNo  int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if block != "" {
			if line == "</"+block+">" {
				p.Inline = append(p.Inline, InlineBlock{Tag: block, Content: content.String()})
				block = ""
				content.Reset()
				continue
			}
			content.WriteString(scanner.Text())
			content.WriteByte('\n')
			continue
		}

		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}

		if strings.HasPrefix(line, "</") {
			return nil, fmt.Errorf("%w: line %d: unexpected %s", common.ErrInvalidConfig, lineNo, line)
		}
		if line[0] == '<' && strings.HasSuffix(line, ">") {
			block = strings.TrimSuffix(line[1:], ">")
			if block == "" {
				return nil, fmt.Errorf("%w: line %d: empty inline tag", common.ErrInvalidConfig, lineNo)
			}
			continue
		}

		fields, err := splitArgs(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", common.ErrInvalidConfig, lineNo, err)
		}
		p.Options = append(p.Options, Option{Name: strings.TrimPrefix(fields[0], "--"), Args: fields[1:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	if block != "" {
		return nil, fmt.Errorf("%w: inline block <%s> is not closed", common.ErrInvalidConfig, block)
	}

	if !p.Has("client") && !p.Has("remote") {
		return nil, fmt.Errorf("%w: missing required OpenVPN directives", common.ErrInvalidConfig)
	}
	return p, nil
}

// splitArgs splits a directive line on whitespace, honouring double and
// single quotes and backslash escapes inside double quotes.
func splitArgs(line string) ([]string, error) {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		have  bool
		esc   bool
	)
	for _, r := range line {
		switch {
		case esc:
			cur.WriteRune(r)
			esc = false
		case quote == '"' && r == '\\':
			esc = true
		case quote != 0 && r == quote:
			quote = 0
		case quote != 0:
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			have = true
		case r == ' ' || r == '\t':
			if have {
				out = append(out, cur.String())
				cur.Reset()
				have = false
			}
		case r == '#' || r == ';':
			if !have {
				// Trailing comment.
				return finish(out, quote)
			}
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	if have {
		out = append(out, cur.String())
	}
	return finish(out, quote)
}

func finish(out []string, quote rune) ([]string, error) {
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty directive")
	}
	return out, nil
}
