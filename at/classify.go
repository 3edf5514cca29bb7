package at

import (
	"strings"
)

// Expectation describes the transaction currently collecting a response,
// so the classifier can resolve lines that would otherwise be ambiguous.
// The zero value means no transaction is in flight.
type Expectation struct {
	// Cmd is the command exactly as written to the modem, without the
	// trailing terminator (e.g. "AT+CREG?"). Used to recognize echo.
	Cmd string
	// InfoPrefix is the response identifier expected for the in-flight
	// command (e.g. "+CREG:"). A line matching it is part of the response
	// even if the same prefix is registered as a URC.
	InfoPrefix string
	// Collecting is true once the command is written and until its final
	// result code arrives. While collecting, unrecognized lines belong to
	// the response rather than being unknown.
	Collecting bool
}

// Classifier decides what each framed line is. URC prefixes are registered
// once at setup and the table is read-only afterwards; first match wins in
// registration order.
type Classifier struct {
	urcPrefixes []string
}

// NewClassifier returns a Classifier with an empty URC table.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// AddURCPrefix appends a URC prefix to the match table. Registration order
// is match priority order. Not safe for concurrent use with Classify;
// callers register before the engine starts.
func (c *Classifier) AddURCPrefix(prefix string) {
	c.urcPrefixes = append(c.urcPrefixes, prefix)
}

// MatchURC reports the registered prefix matching line, if any.
func (c *Classifier) MatchURC(line string) (string, bool) {
	line = strings.TrimSpace(line)
	for _, p := range c.urcPrefixes {
		if strings.HasPrefix(line, p) {
			return p, true
		}
	}
	return "", false
}

// Classify identifies the nature of a framed line. Final result codes are
// matched against the whole trimmed line, never by substring, so "OK"
// embedded in an info line does not terminate a transaction.
func (c *Classifier) Classify(line string, exp Expectation) Kind {
	if line == Prompt || line == BinaryPrompt {
		return KindPrompt
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return KindUnknown
	}

	if exp.Cmd != "" && trimmed == exp.Cmd {
		return KindEcho
	}

	switch trimmed {
	case OK:
		return KindFinalOK
	case ERROR, Aborted, NoCarrier, NoDialtone, Busy, NoAnswer:
		return KindFinalError
	}
	if strings.HasPrefix(trimmed, CmeError) || strings.HasPrefix(trimmed, CmsError) {
		return KindFinalError
	}

	// The in-flight command's expected reply outranks the URC table: a
	// prefix that could be either is treated as part of the response.
	if exp.InfoPrefix != "" && strings.HasPrefix(trimmed, exp.InfoPrefix) {
		return KindInfo
	}

	if _, ok := c.MatchURC(trimmed); ok {
		return KindURC
	}

	if exp.Collecting {
		return KindInfo
	}
	return KindUnknown
}

// InfoPrefix derives the expected response identifier from a command line:
// "AT+CREG?" and "AT+CREG=2" both expect "+CREG:" replies. Commands
// without a '+' identifier (e.g. "ATE0") expect none.
func InfoPrefix(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	i := strings.IndexByte(cmd, '+')
	if i < 0 {
		return ""
	}
	id := cmd[i:]
	if j := strings.IndexAny(id, "=?"); j >= 0 {
		id = id[:j]
	}
	if len(id) <= 1 {
		return ""
	}
	return id + ":"
}
