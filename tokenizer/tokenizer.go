// Package tokenizer reads HuggingFace tokenizer.json files and exposes the
// exact bytes of every token, which grammar masks need.
package tokenizer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"nano-genai-go/logger"
)

// Encoder turns text into token ids. The built-in BPE encoder can be replaced
// by a native one, see package hf.
type Encoder interface {
	Encode(text string) ([]int32, error)
}

// ErrUnknownToken is returned by Encode for text no token covers.
var ErrUnknownToken = errors.New("no token for text")

// GPT-2 pre-tokenization pattern, without the lookahead RE2 lacks.
var byteLevelPattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

type pair struct{ a, b string }

type addedToken struct {
	content string
	id      int32
	special bool
}

// Tokenizer is a byte-level (GPT-2) or SentencePiece-style BPE tokenizer.
type Tokenizer struct {
	pieces    []string
	ids       map[string]int32
	ranks     map[pair]int
	added     []addedToken // longest content first
	special   []bool
	byteLevel bool
	prepend   bool
	unk       int32
	eos       []int32
	encoder   Encoder
}

type tokenizerFile struct {
	Model struct {
		Type         string            `json:"type"`
		Vocab        map[string]int32  `json:"vocab"`
		Merges       []json.RawMessage `json:"merges"`
		UnkToken     *string           `json:"unk_token"`
		ByteFallback bool              `json:"byte_fallback"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Normalizer   json.RawMessage `json:"normalizer"`
	PreTokenizer json.RawMessage `json:"pre_tokenizer"`
	Decoder      json.RawMessage `json:"decoder"`
}

// Load reads tokenizer.json from dir, or vocab.json and merges.txt for
// GPT-2 style directories. eos lists the end-of-sequence ids of the model.
func Load(dir string, eos []int32) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if errors.Is(err, os.ErrNotExist) {
		return loadVocabMerges(dir, eos)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer: %w", err)
	}
	t, err := Parse(data, eos)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("tokenizer loaded", "dir", dir, "vocab", t.VocabSize(), "byte_level", t.byteLevel)
	return t, nil
}

// Parse builds a tokenizer from the contents of a tokenizer.json file.
func Parse(data []byte, eos []int32) (*Tokenizer, error) {
	var f tokenizerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}
	if f.Model.Type != "" && f.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", f.Model.Type)
	}
	t := &Tokenizer{
		ids:       make(map[string]int32, len(f.Model.Vocab)),
		ranks:     make(map[pair]int, len(f.Model.Merges)),
		byteLevel: bytes.Contains(f.PreTokenizer, []byte(`"ByteLevel"`)) || bytes.Contains(f.Decoder, []byte(`"ByteLevel"`)),
		prepend:   bytes.Contains(f.Normalizer, []byte(`"Prepend"`)),
		unk:       -1,
		eos:       append([]int32(nil), eos...),
	}
	for piece, id := range f.Model.Vocab {
		t.setPiece(piece, id)
	}
	for rank, raw := range f.Model.Merges {
		p, err := parseMerge(raw)
		if err != nil {
			return nil, fmt.Errorf("merge %d: %w", rank, err)
		}
		t.ranks[p] = rank
	}
	for _, a := range f.AddedTokens {
		t.setPiece(a.Content, a.ID)
		t.added = append(t.added, addedToken{content: a.Content, id: a.ID, special: a.Special})
		if a.Special {
			t.special[a.ID] = true
		}
	}
	sort.SliceStable(t.added, func(i, j int) bool { return len(t.added[i].content) > len(t.added[j].content) })
	if f.Model.UnkToken != nil {
		if id, ok := t.ids[*f.Model.UnkToken]; ok {
			t.unk = id
		}
	}
	for _, id := range eos {
		if int(id) < len(t.special) {
			t.special[id] = true
		}
	}
	return t, nil
}

// parseMerge accepts both "a b" and ["a", "b"] merge entries.
func parseMerge(raw json.RawMessage) (pair, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		a, b, ok := strings.Cut(s, " ")
		if !ok {
			return pair{}, fmt.Errorf("malformed merge %q", s)
		}
		return pair{a, b}, nil
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
		return pair{}, fmt.Errorf("malformed merge %s", raw)
	}
	return pair{parts[0], parts[1]}, nil
}

func loadVocabMerges(dir string, eos []int32) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}
	var vocab map[string]int32
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab: %w", err)
	}
	t := &Tokenizer{
		ids:       make(map[string]int32, len(vocab)),
		ranks:     make(map[pair]int),
		byteLevel: true,
		unk:       -1,
		eos:       append([]int32(nil), eos...),
	}
	for piece, id := range vocab {
		t.setPiece(piece, id)
	}

	file, err := os.Open(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to read merges: %w", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("malformed merge %q", line)
		}
		t.ranks[pair{a, b}] = len(t.ranks)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read merges: %w", err)
	}
	for _, id := range eos {
		if int(id) < len(t.special) {
			t.special[id] = true
		}
	}
	logger.Log.Info("tokenizer loaded", "dir", dir, "vocab", t.VocabSize(), "merges", len(t.ranks))
	return t, nil
}

func (t *Tokenizer) setPiece(piece string, id int32) {
	if id < 0 {
		return
	}
	for int(id) >= len(t.pieces) {
		t.pieces = append(t.pieces, "")
		t.special = append(t.special, false)
	}
	t.pieces[id] = piece
	t.ids[piece] = id
}

// SetEncoder replaces the built-in BPE encoder.
func (t *Tokenizer) SetEncoder(e Encoder) { t.encoder = e }

// VocabSize returns one past the largest token id.
func (t *Tokenizer) VocabSize() int { return len(t.pieces) }

// EOSTokenIDs returns the end-of-sequence ids
func (t *Tokenizer) EOSTokenIDs() []int32 { return t.eos }

// TokenBytes returns the bytes token id decodes to. Special tokens have none.
func (t *Tokenizer) TokenBytes(id int32) ([]byte, error) {
	if id < 0 || int(id) >= len(t.pieces) {
		return nil, fmt.Errorf("token %d outside vocabulary of %d", id, len(t.pieces))
	}
	if t.special[id] {
		return nil, nil
	}
	piece := t.pieces[id]
	if t.isAdded(id) {
		return []byte(piece), nil
	}
	if t.byteLevel {
		return byteLevelBytes(piece), nil
	}
	return metaspaceBytes(piece), nil
}

func (t *Tokenizer) isAdded(id int32) bool {
	for _, a := range t.added {
		if a.id == id {
			return true
		}
	}
	return false
}

// Decode concatenates the bytes of ids, skipping special tokens.
func (t *Tokenizer) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		b, err := t.TokenBytes(id)
		if err != nil {
			return "", err
		}
		sb.Write(b)
	}
	return sb.String(), nil
}

// Encode splits out added tokens and runs BPE over the text between them.
func (t *Tokenizer) Encode(text string) ([]int32, error) {
	if t.encoder != nil {
		return t.encoder.Encode(text)
	}
	var ids []int32
	first := true
	for len(text) > 0 {
		start, tok := t.nextAdded(text)
		if start < 0 {
			start = len(text)
		}
		if start > 0 {
			segment, err := t.encodeSegment(text[:start], first)
			if err != nil {
				return nil, err
			}
			ids = append(ids, segment...)
		}
		if tok == nil {
			break
		}
		ids = append(ids, tok.id)
		text = text[start+len(tok.content):]
		first = false
	}
	return ids, nil
}

// nextAdded finds the earliest added token in text, preferring the longest at a position.
func (t *Tokenizer) nextAdded(text string) (int, *addedToken) {
	best, bestTok := -1, (*addedToken)(nil)
	for i := range t.added {
		a := &t.added[i]
		if a.content == "" {
			continue
		}
		if at := strings.Index(text, a.content); at >= 0 && (best < 0 || at < best) {
			best, bestTok = at, a
		}
	}
	return best, bestTok
}

func (t *Tokenizer) encodeSegment(text string, first bool) ([]int32, error) {
	if t.byteLevel {
		var ids []int32
		for _, word := range byteLevelPattern.FindAllString(text, -1) {
			pieces, err := t.lookup(t.bpe(byteLevelString(word)))
			if err != nil {
				return nil, err
			}
			ids = append(ids, pieces...)
		}
		return ids, nil
	}
	text = strings.ReplaceAll(text, " ", metaspace)
	if first && t.prepend {
		text = metaspace + text
	}
	return t.lookup(t.bpe(text))
}

// lookup maps BPE symbols to ids, falling back to byte tokens and then unk.
func (t *Tokenizer) lookup(symbols []string) ([]int32, error) {
	ids := make([]int32, 0, len(symbols))
	for _, s := range symbols {
		if id, ok := t.ids[s]; ok {
			ids = append(ids, id)
			continue
		}
		fallback := !t.byteLevel
		for i := 0; fallback && i < len(s); i++ {
			_, fallback = t.ids[byteFallbackPiece(s[i])]
		}
		switch {
		case fallback:
			for i := 0; i < len(s); i++ {
				ids = append(ids, t.ids[byteFallbackPiece(s[i])])
			}
		case t.unk >= 0:
			ids = append(ids, t.unk)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownToken, s)
		}
	}
	return ids, nil
}

// bpe repeatedly merges the adjacent pair with the lowest rank.
func (t *Tokenizer) bpe(word string) []string {
	var symbols []string
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	for len(symbols) > 1 {
		best, bestRank := -1, 0
		for i := 0; i+1 < len(symbols); i++ {
			if rank, ok := t.ranks[pair{symbols[i], symbols[i+1]}]; ok && (best < 0 || rank < bestRank) {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		a, b := symbols[best], symbols[best+1]
		merged := symbols[:0:0]
		for i := 0; i < len(symbols); i++ {
			if i+1 < len(symbols) && symbols[i] == a && symbols[i+1] == b {
				merged = append(merged, a+b)
				i++
				continue
			}
			merged = append(merged, symbols[i])
		}
		symbols = merged
	}
	return symbols
}

// Close releases the replacement encoder, if it holds resources.
func (t *Tokenizer) Close() error {
	if c, ok := t.encoder.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
