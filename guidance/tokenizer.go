package guidance

import (
	"fmt"
	"sort"
)

// TokenizePrefix is prepended before tokenizing a fragment so the tokenizer
// does not treat the fragment as the start of a text.
const TokenizePrefix = "\x02"

// EncodeFunc tokenizes text into ids.
type EncodeFunc func(text string) ([]int32, error)

// Tokenizer is the vocabulary view constraints work on: the bytes of every
// token, the EOS id and an encoder for forced continuations.
type Tokenizer struct {
	tokens    [][]byte
	eos       int32
	encode    EncodeFunc
	prefixLen int
	root      *trieNode
}

type trieNode struct {
	labels   []byte
	children []*trieNode
	tokens   []int32
}

func (n *trieNode) child(b byte) *trieNode {
	i := sort.Search(len(n.labels), func(i int) bool { return n.labels[i] >= b })
	if i < len(n.labels) && n.labels[i] == b {
		return n.children[i]
	}
	node := &trieNode{}
	n.labels = append(n.labels, 0)
	n.children = append(n.children, nil)
	copy(n.labels[i+1:], n.labels[i:])
	copy(n.children[i+1:], n.children[i:])
	n.labels[i] = b
	n.children[i] = node
	return node
}

// NewTokenizer builds a vocabulary view. tokens[i] is the byte string of token i;
// empty entries (special tokens) are never allowed by a mask. encode may be nil
// when forced continuations are not needed.
func NewTokenizer(tokens [][]byte, eos int32, encode EncodeFunc) (*Tokenizer, error) {
	if eos < 0 || int(eos) >= len(tokens) {
		return nil, fmt.Errorf("eos token %d outside vocabulary of %d", eos, len(tokens))
	}
	t := &Tokenizer{tokens: tokens, eos: eos, encode: encode, root: &trieNode{}}
	for id, b := range tokens {
		if len(b) == 0 || int32(id) == eos {
			continue
		}
		node := t.root
		for _, c := range b {
			node = node.child(c)
		}
		node.tokens = append(node.tokens, int32(id))
	}
	if encode != nil {
		prefix, err := encode(TokenizePrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize prefix: %w", err)
		}
		t.prefixLen = len(prefix)
	}
	return t, nil
}

// VocabSize returns the number of tokens.
func (t *Tokenizer) VocabSize() int { return len(t.tokens) }

// EOS returns the end-of-sequence token.
func (t *Tokenizer) EOS() int32 { return t.eos }

// TokenBytes returns the bytes of token id.
func (t *Tokenizer) TokenBytes(id int32) []byte {
	if id < 0 || int(id) >= len(t.tokens) {
		return nil
	}
	return t.tokens[id]
}

// TokenizePartial tokenizes a fragment that continues earlier text.
func (t *Tokenizer) TokenizePartial(b []byte) ([]int32, error) {
	if t.encode == nil {
		return nil, fmt.Errorf("tokenizer has no encoder")
	}
	return TokenizePartial(t.encode, t.prefixLen, b)
}

// TokenizePartial encodes TokenizePrefix+b and drops the prefixLen ids the prefix produced.
func TokenizePartial(encode EncodeFunc, prefixLen int, b []byte) ([]int32, error) {
	ids, err := encode(TokenizePrefix + string(b))
	if err != nil {
		return nil, err
	}
	if len(ids) < prefixLen {
		return nil, fmt.Errorf("tokenized fragment has %d ids, prefix alone has %d", len(ids), prefixLen)
	}
	return ids[prefixLen:], nil
}
