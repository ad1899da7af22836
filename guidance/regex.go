package guidance

import (
	"fmt"
	"regexp/syntax"
	"sort"
	"unicode"
	"unicode/utf8"
)

const maxForcedBytes = 64

// nfaState is a position in the regex program: the instructions waiting for
// the next rune, the previous rune for line assertions and any bytes of an
// incomplete UTF-8 sequence.
type nfaState struct {
	kernel  []uint32
	prev    rune
	pending []byte
}

// regexConstraint matches the whole output against a regular expression using
// a Thompson simulation over the compiled program.
type regexConstraint struct {
	prog    *syntax.Prog
	vocab   *Tokenizer
	state   nfaState
	stopped bool
	visited []bool
	stack   []uint32
}

func newRegexConstraint(pattern string, vocab *Tokenizer) (*regexConstraint, error) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrammar, err)
	}
	prog, err := syntax.Compile(re.Simplify())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrammar, err)
	}
	for _, inst := range prog.Inst {
		if inst.Op == syntax.InstEmptyWidth &&
			syntax.EmptyOp(inst.Arg)&(syntax.EmptyWordBoundary|syntax.EmptyNoWordBoundary) != 0 {
			return nil, fmt.Errorf("%w: word boundary assertions are not supported", ErrInvalidGrammar)
		}
	}
	c := &regexConstraint{
		prog:    prog,
		vocab:   vocab,
		visited: make([]bool, len(prog.Inst)),
	}
	c.Reset()
	return c, nil
}

func (c *regexConstraint) Reset() {
	c.state = nfaState{kernel: []uint32{uint32(c.prog.Start)}, prev: -1}
	c.stopped = false
}

func (c *regexConstraint) Close() {}

func (c *regexConstraint) IsStopped() bool { return c.stopped }

func (c *regexConstraint) IsAccepting() bool {
	return c.accepting(c.state)
}

func (c *regexConstraint) accepting(st nfaState) bool {
	if len(st.pending) > 0 {
		return false
	}
	_, match := c.closure(st.kernel, st.prev, -1)
	return match
}

func (c *regexConstraint) ComputeMask() ([]uint32, error) {
	mask := NewMask(c.vocab.VocabSize())
	if c.stopped {
		Allow(mask, c.vocab.EOS())
		return mask, nil
	}
	c.walk(c.vocab.root, c.state, mask)
	if c.accepting(c.state) {
		Allow(mask, c.vocab.EOS())
	}
	return mask, nil
}

// walk visits every vocabulary trie edge reachable from st.
func (c *regexConstraint) walk(node *trieNode, st nfaState, mask []uint32) {
	for i, b := range node.labels {
		next, ok := c.step(st, b)
		if !ok {
			continue
		}
		child := node.children[i]
		for _, id := range child.tokens {
			Allow(mask, id)
		}
		c.walk(child, next, mask)
	}
}

func (c *regexConstraint) CommitToken(id int32) error {
	eos := c.vocab.EOS()
	if c.stopped {
		if id == eos {
			return nil
		}
		return fmt.Errorf("%w: token %d after EOS", ErrRejected, id)
	}
	if id == eos {
		if !c.accepting(c.state) {
			return fmt.Errorf("%w: EOS before the grammar is complete", ErrRejected)
		}
		c.stopped = true
		return nil
	}
	b := c.vocab.TokenBytes(id)
	if len(b) == 0 {
		return fmt.Errorf("%w: token %d has no bytes", ErrRejected, id)
	}
	st := c.state
	for _, x := range b {
		var ok bool
		if st, ok = c.step(st, x); !ok {
			return fmt.Errorf("%w: token %d (%q)", ErrRejected, id, b)
		}
	}
	c.state = st
	return nil
}

func (c *regexConstraint) ForcedTokens() ([]int32, error) {
	if c.stopped || c.vocab.encode == nil {
		return nil, nil
	}
	var forced []byte
	st := c.state
	for len(forced) < maxForcedBytes && !c.accepting(st) {
		var only nfaState
		count := 0
		var onlyByte byte
		for b := 0; b < 256 && count < 2; b++ {
			if next, ok := c.step(st, byte(b)); ok {
				only, onlyByte = next, byte(b)
				count++
			}
		}
		if count != 1 {
			break
		}
		forced = append(forced, onlyByte)
		st = only
	}
	if len(forced) == 0 || len(st.pending) > 0 {
		return nil, nil
	}
	return c.vocab.TokenizePartial(forced)
}

// step consumes one byte.
func (c *regexConstraint) step(st nfaState, b byte) (nfaState, bool) {
	if len(st.pending) == 0 && b < utf8.RuneSelf {
		return c.transition(st, rune(b))
	}
	pending := append(append(make([]byte, 0, len(st.pending)+1), st.pending...), b)
	want := seqLen(pending[0])
	if want == 0 {
		return st, false
	}
	if len(pending) > 1 && (b < 0x80 || b > 0xBF) {
		return st, false
	}
	if len(pending) == want {
		r, _ := utf8.DecodeRune(pending)
		if r == utf8.RuneError {
			return st, false
		}
		return c.transition(nfaState{kernel: st.kernel, prev: st.prev}, r)
	}
	lo, hi := runeRange(pending, want)
	cl, _ := c.closure(st.kernel, st.prev, lo)
	for _, pc := range cl {
		if matchesRange(&c.prog.Inst[pc], lo, hi) {
			return nfaState{kernel: st.kernel, prev: st.prev, pending: pending}, true
		}
	}
	return st, false
}

func (c *regexConstraint) transition(st nfaState, r rune) (nfaState, bool) {
	cl, _ := c.closure(st.kernel, st.prev, r)
	var next []uint32
	for _, pc := range cl {
		inst := &c.prog.Inst[pc]
		if matchRune(inst, r) {
			next = append(next, inst.Out)
		}
	}
	if len(next) == 0 {
		return st, false
	}
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	uniq := next[:1]
	for _, pc := range next[1:] {
		if pc != uniq[len(uniq)-1] {
			uniq = append(uniq, pc)
		}
	}
	return nfaState{kernel: uniq, prev: r}, true
}

// closure follows empty transitions from kernel given the runes around the
// current position (next is -1 at the end of the text). It returns the rune
// consuming instructions reached and whether a match instruction was reached.
func (c *regexConstraint) closure(kernel []uint32, prev, next rune) ([]uint32, bool) {
	ctx := syntax.EmptyOpContext(prev, next)
	clear(c.visited)
	stack := append(c.stack[:0], kernel...)
	var out []uint32
	match := false
	for len(stack) > 0 {
		pc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c.visited[pc] {
			continue
		}
		c.visited[pc] = true
		inst := &c.prog.Inst[pc]
		switch inst.Op {
		case syntax.InstAlt, syntax.InstAltMatch:
			stack = append(stack, inst.Arg, inst.Out)
		case syntax.InstCapture, syntax.InstNop:
			stack = append(stack, inst.Out)
		case syntax.InstEmptyWidth:
			if syntax.EmptyOp(inst.Arg)&^ctx == 0 {
				stack = append(stack, inst.Out)
			}
		case syntax.InstMatch:
			match = true
		case syntax.InstRune, syntax.InstRune1, syntax.InstRuneAny, syntax.InstRuneAnyNotNL:
			out = append(out, pc)
		}
	}
	c.stack = stack
	return out, match
}

func matchRune(inst *syntax.Inst, r rune) bool {
	switch inst.Op {
	case syntax.InstRune, syntax.InstRune1:
		return inst.MatchRune(r)
	case syntax.InstRuneAny:
		return true
	case syntax.InstRuneAnyNotNL:
		return r != '\n'
	}
	return false
}

// matchesRange reports whether inst may match some rune in [lo, hi].
func matchesRange(inst *syntax.Inst, lo, hi rune) bool {
	switch inst.Op {
	case syntax.InstRuneAny, syntax.InstRuneAnyNotNL:
		return true
	case syntax.InstRune1:
		return inRangeFold(inst.Rune[0], lo, hi, syntax.Flags(inst.Arg)&syntax.FoldCase != 0)
	case syntax.InstRune:
		if len(inst.Rune) == 1 {
			return inRangeFold(inst.Rune[0], lo, hi, syntax.Flags(inst.Arg)&syntax.FoldCase != 0)
		}
		for i := 0; i+1 < len(inst.Rune); i += 2 {
			if inst.Rune[i] <= hi && inst.Rune[i+1] >= lo {
				return true
			}
		}
	}
	return false
}

func inRangeFold(r, lo, hi rune, fold bool) bool {
	if r >= lo && r <= hi {
		return true
	}
	if !fold {
		return false
	}
	for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
		if f >= lo && f <= hi {
			return true
		}
	}
	return false
}

// seqLen returns the UTF-8 sequence length announced by a lead byte, or 0.
func seqLen(lead byte) int {
	switch {
	case lead < 0x80:
		return 1
	case lead >= 0xC2 && lead <= 0xDF:
		return 2
	case lead >= 0xE0 && lead <= 0xEF:
		return 3
	case lead >= 0xF0 && lead <= 0xF4:
		return 4
	}
	return 0
}

// runeRange returns the smallest and largest runes whose encoding starts with prefix.
func runeRange(prefix []byte, want int) (rune, rune) {
	leadBits := [5]byte{0, 0x7F, 0x1F, 0x0F, 0x07}
	lo := rune(prefix[0] & leadBits[want])
	for _, b := range prefix[1:] {
		lo = lo<<6 | rune(b&0x3F)
	}
	hi := lo
	for i := len(prefix); i < want; i++ {
		lo <<= 6
		hi = hi<<6 | 0x3F
	}
	minRune := [5]rune{0, 0, 0x80, 0x800, 0x10000}[want]
	return max(lo, minRune), min(hi, unicode.MaxRune)
}
