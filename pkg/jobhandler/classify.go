package jobhandler

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/neutrons/post-processing-agent/pkg/types"
)

var errorLineRe = regexp.MustCompile(`Error:\s*(.+)$`)

var dashesOnlyRe = regexp.MustCompile(`^[-\s]*$`)

// Classify reads the worker's error-stream file at errPath and decides
// whether the job should be reported as a success (possibly with an
// "information" note) or a failure. A missing or empty file is always
// success. The decision otherwise hinges on the last recognized error
// line: a line matching "Error: (.+)" wins over a plain last non-blank
// line, and is tested against each of ignorablePatterns.
func Classify(errPath string, ignorablePatterns []*regexp.Regexp) (success bool, note types.Message) {
	f, err := os.Open(errPath)
	if err != nil {
		return true, types.Message{}
	}
	defer f.Close()

	var lastNonBlank string
	var lastErrorLine string
	haveErrorLine := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || dashesOnlyRe.MatchString(trimmed) {
			continue
		}
		lastNonBlank = trimmed
		if m := errorLineRe.FindStringSubmatch(trimmed); m != nil {
			lastErrorLine = strings.TrimSpace(m[1])
			haveErrorLine = true
		}
	}

	if lastNonBlank == "" && !haveErrorLine {
		return true, types.Message{}
	}

	errorLine := lastErrorLine
	if !haveErrorLine {
		errorLine = lastNonBlank
	}

	for _, pattern := range ignorablePatterns {
		if pattern.MatchString(errorLine) {
			return true, types.Message{"information": errorLine}
		}
	}
	return false, types.Message{"error": "REDUCTION: " + errorLine}
}
