package tokenizer

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

const (
	// HFFile is the Hugging Face fast-tokenizer file shipped next to a
	// checkpoint.
	HFFile = "tokenizer.json"
	// HFConfigFile carries BOS/EOS flags.
	HFConfigFile = "tokenizer_config.json"
)

// HF is a byte-level BPE tokenizer loaded from tokenizer.json. It is safe
// for concurrent use.
type HF struct {
	encoder      map[string]int
	decoder      []string
	ranks        map[pair]int
	byteEnc      map[byte]string
	byteDec      map[rune]byte
	pattern      *regexp.Regexp
	specials     []string
	ignoreMerges bool
	unkID        int
	bosID        int
	eosID        int
	addBOS       bool
	addEOS       bool
	// special holds the ids DecodeSkipSpecial drops.
	special map[int]bool

	mu    sync.Mutex
	cache map[string][]string
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer  hfPreTokenizer `json:"pre_tokenizer"`
	PostProcessor struct {
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfTokenizerConfig struct {
	AddBOS bool   `json:"add_bos_token"`
	AddEOS bool   `json:"add_eos_token"`
	BOS    string `json:"bos_token"`
	EOS    string `json:"eos_token"`
}

// LoadHF reads tokenizer.json (and tokenizer_config.json when present) from
// dir in fsys.
func LoadHF(fsys fs.FS, dir string) (*HF, error) {
	raw, err := fs.ReadFile(fsys, path.Join(dir, HFFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", HFFile, err)
	}
	cfg, err := fs.ReadFile(fsys, path.Join(dir, HFConfigFile))
	if err != nil {
		cfg = nil
	}
	return ParseHF(raw, cfg)
}

// ParseHF builds a tokenizer from the contents of tokenizer.json and an
// optional tokenizer_config.json.
func ParseHF(tokJSON, tokConfig []byte) (*HF, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", HFFile, err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tj.Model.Type)
	}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	encoder := make(map[string]int, maxID+1)
	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative id %d for token %q", id, tok)
		}
		encoder[tok] = id
		decoder[id] = tok
	}
	for _, at := range tj.AddedTokens {
		if at.ID < 0 {
			return nil, fmt.Errorf("negative id %d for added token %q", at.ID, at.Content)
		}
		encoder[at.Content] = at.ID
		decoder[at.ID] = at.Content
	}

	ranks := make(map[pair]int, len(tj.Model.Merges))
	for _, m := range tj.Model.Merges {
		p, ok := parseMerge(m)
		if !ok {
			continue
		}
		if _, dup := ranks[p]; !dup {
			ranks[p] = len(ranks)
		}
	}

	pat, err := preTokenizerPattern(tj.PreTokenizer)
	if err != nil {
		return nil, err
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", HFConfigFile, err)
		}
	}
	lookup := func(tok string) int {
		if id, ok := encoder[tok]; ok && tok != "" {
			return id
		}
		return -1
	}

	byteEnc, byteDec := byteLevelAlphabet()
	t := &HF{
		encoder:      encoder,
		decoder:      decoder,
		ranks:        ranks,
		byteEnc:      byteEnc,
		byteDec:      byteDec,
		pattern:      pat,
		specials:     specialsLongestFirst(decoder),
		ignoreMerges: tj.Model.IgnoreMerges,
		unkID:        lookup(tj.Model.UnkToken),
		bosID:        lookup(cfg.BOS),
		eosID:        lookup(cfg.EOS),
		addBOS:       cfg.AddBOS,
		addEOS:       cfg.AddEOS,
		cache:        make(map[string][]string),
	}
	// A TemplateProcessing post-processor that names a leading special token
	// means the model expects BOS regardless of the config flag.
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		for _, sp := range proc.SpecialTokens {
			if len(sp.IDs) > 0 {
				t.bosID = sp.IDs[0]
				t.addBOS = true
				break
			}
		}
	}

	t.special = make(map[int]bool)
	for id, tok := range decoder {
		if isSpecial(tok) {
			t.special[id] = true
		}
	}
	for _, at := range tj.AddedTokens {
		if at.Special {
			t.special[at.ID] = true
		}
	}
	for _, id := range []int{t.bosID, t.eosID} {
		if id >= 0 {
			t.special[id] = true
		}
	}
	return t, nil
}

func parseMerge(raw any) (pair, bool) {
	var line string
	switch v := raw.(type) {
	case string:
		line = v
	case []any:
		if len(v) == 2 {
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if aok && bok {
				return pair{a, b}, true
			}
		}
	}
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return pair{}, false
	}
	a, b, ok := strings.Cut(line, " ")
	if !ok || strings.Contains(b, " ") {
		return pair{}, false
	}
	return pair{a, b}, true
}

const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

// llama3Pattern replaces split regexes that use lookahead, which RE2 does
// not support.
const llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`

func preTokenizerPattern(pre hfPreTokenizer) (*regexp.Regexp, error) {
	pat := gpt2Pattern
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	if strings.Contains(pat, `(?!\S)`) || strings.Contains(pat, "(?i:") {
		pat = llama3Pattern
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("pre-tokenizer regex: %w", err)
	}
	return re, nil
}

// Encode implements Tokenizer.
func (t *HF) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, seg := range splitSpecials(text, t.specials) {
		if seg.special {
			ids = append(ids, t.encoder[seg.text])
			continue
		}
		for _, word := range t.pattern.FindAllString(seg.text, -1) {
			for _, piece := range t.bpe(t.byteEncode(word)) {
				id, ok := t.encoder[piece]
				if !ok {
					if t.unkID < 0 {
						return nil, fmt.Errorf("no vocabulary entry for %q", piece)
					}
					id = t.unkID
				}
				ids = append(ids, id)
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

// Decode implements Tokenizer. Special tokens are emitted verbatim.
func (t *HF) Decode(ids []int) (string, error) {
	return t.decode(ids, false)
}

// DecodeSkipSpecial is Decode without special tokens: the BOS and EOS
// tokens, added tokens flagged special, and "<|...|>" control tokens.
func (t *HF) DecodeSkipSpecial(ids []int) (string, error) {
	return t.decode(ids, true)
}

func (t *HF) decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("%w: %d", ErrUnknownID, id)
		}
		if skipSpecial && t.special[id] {
			continue
		}
		tok := t.decoder[id]
		if isSpecial(tok) {
			b = append(b, tok...)
			continue
		}
		for _, r := range tok {
			if by, ok := t.byteDec[r]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

// EOSID returns the configured end-of-sequence id, or -1.
func (t *HF) EOSID() int { return t.eosID }

// VocabSize returns the number of addressable ids.
func (t *HF) VocabSize() int { return len(t.decoder) }

func (t *HF) byteEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteString(t.byteEnc[s[i]])
	}
	return b.String()
}

func (t *HF) bpe(token string) []string {
	t.mu.Lock()
	cached, ok := t.cache[token]
	t.mu.Unlock()
	if ok {
		return cached
	}

	word := []string{token}
	if _, whole := t.encoder[token]; !t.ignoreMerges || !whole {
		word = splitRunes(token)
		for len(word) > 1 {
			best, bestRank := pair{}, -1
			for p := range adjacentPairs(word) {
				if r, ok := t.ranks[p]; ok && (bestRank < 0 || r < bestRank) {
					best, bestRank = p, r
				}
			}
			if bestRank < 0 {
				break
			}
			word = mergePair(word, best)
		}
	}

	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}
