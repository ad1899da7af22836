// Package guidance constrains generation to a grammar by computing, before
// every step, the set of tokens that keep the output inside the language.
package guidance

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported constraint kinds.
const (
	KindRegex  = "regex"
	KindChoice = "choice"
)

var (
	ErrUnsupportedKind = errors.New("unsupported guidance kind")
	ErrInvalidGrammar  = errors.New("invalid guidance grammar")
	ErrRejected        = errors.New("token rejected by grammar")
)

// Engine creates constraints over a tokenizer vocabulary.
type Engine interface {
	NewConstraint(kind, data string, vocab *Tokenizer) (Constraint, error)
}

// Constraint tracks one sequence through a grammar. It is not safe for
// concurrent use; ComputeMask may run on a different goroutine than the
// caller as long as calls do not overlap.
type Constraint interface {
	// ComputeMask returns a bitset over the vocabulary; bit i is set when
	// token i may come next.
	ComputeMask() ([]uint32, error)
	// CommitToken advances the constraint. Committing a token the mask does
	// not allow returns ErrRejected and leaves the constraint unchanged.
	CommitToken(id int32) error
	// ForcedTokens returns the tokens of the only continuation the grammar
	// allows from here, or nil when there is a choice.
	ForcedTokens() ([]int32, error)
	IsAccepting() bool
	// IsStopped reports whether EOS was committed.
	IsStopped() bool
	Reset()
	Close()
}

// NewEngine returns the built-in regex engine.
func NewEngine() Engine {
	return regexEngine{}
}

type regexEngine struct{}

func (regexEngine) NewConstraint(kind, data string, vocab *Tokenizer) (Constraint, error) {
	switch kind {
	case KindRegex:
		return newRegexConstraint(data, vocab)
	case KindChoice:
		return newRegexConstraint(choicePattern(data), vocab)
	default:
		return nil, fmt.Errorf("%w: %q (expected %s or %s)", ErrUnsupportedKind, kind, KindRegex, KindChoice)
	}
}

// choicePattern turns newline separated literals into an alternation.
func choicePattern(data string) string {
	var alts []string
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(line))
	}
	return "(?:" + strings.Join(alts, "|") + ")"
}
