package script

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ErrNoOutputMarker means the response carried neither a <PRE> output block
// nor the completion banner, so it is not a script result page.
var ErrNoOutputMarker = errors.New("no script output marker in response")

const stdoutPrefix = "*** Script:"

var (
	preBlockRE   = regexp.MustCompile(`(?is)<pre[^>]*>(.*?)</pre>`)
	lineBreakRE  = regexp.MustCompile(`(?i)<br\s*/?>`)
	completedRE  = regexp.MustCompile(`(?i)script completed in scope`)
	failureLines = []string{"evaluator:", "javascript compiler exception", "javascript runtime error"}

	stripTags = bluemonday.StrictPolicy()
)

// Output is the parsed form of a background-script response.
type Output struct {
	Stdout    []string `json:"stdout"`
	Messages  []string `json:"messages"`
	Succeeded bool     `json:"succeeded"`
}

// ParseOutput extracts print output and platform messages from the HTML the
// script runner returns. Lines prefixed with "*** Script:" are stdout, in
// emission order; every other non-empty line in an output block is a
// message. Evaluator and compiler errors mark the run as failed.
func ParseOutput(page string) (Output, error) {
	out := Output{Stdout: []string{}, Messages: []string{}, Succeeded: true}

	blocks := preBlockRE.FindAllStringSubmatch(page, -1)
	if len(blocks) == 0 {
		if completedRE.MatchString(page) {
			return out, nil
		}
		return out, ErrNoOutputMarker
	}

	for _, block := range blocks {
		for _, raw := range lineBreakRE.Split(block[1], -1) {
			line := cleanLine(raw)
			if line == "" {
				continue
			}
			if rest, ok := strings.CutPrefix(line, stdoutPrefix); ok {
				out.Stdout = append(out.Stdout, strings.TrimPrefix(rest, " "))
				continue
			}
			out.Messages = append(out.Messages, line)
			if isFailureLine(line) {
				out.Succeeded = false
			}
		}
	}
	return out, nil
}

// cleanLine removes tag remnants and decodes entities.
func cleanLine(raw string) string {
	text := stripTags.Sanitize(raw)
	// Sanitize returns escaped text.
	text = html.UnescapeString(text)
	return strings.TrimSpace(text)
}

func isFailureLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range failureLines {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
