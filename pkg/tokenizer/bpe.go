// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
)

// Files of a GPT-2 byte-level BPE tokenizer.
const (
	VocabFile  = "vocab.json"
	MergesFile = "merges.txt"
)

// gpt2Pattern is the pre-tokenization pattern used by GPT-2.
var gpt2Pattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

// BPE is a GPT-2 byte-level BPE tokenizer. It is safe for concurrent use.
type BPE struct {
	name        string
	encoder     map[string]int
	decoder     map[int]string
	merges      []string
	bpeRanks    map[string]int
	byteEncoder [256]rune
	byteDecoder map[rune]byte

	mu    sync.RWMutex
	cache map[string][]string
}

var _ Base = (*BPE)(nil)

// LoadBPE downloads (if needed) vocab.json and merges.txt from a HuggingFace repository.
// name identifies the tokenizer, usually the repository id.
func LoadBPE(repo *hub.Repo, name string) (*BPE, error) {
	vocabPath, err := repo.DownloadFile(VocabFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", VocabFile)
	}
	mergesPath, err := repo.DownloadFile(MergesFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", MergesFile)
	}
	return loadBPEFiles(name, vocabPath, mergesPath)
}

// LoadBPEDir loads vocab.json and merges.txt from a local directory.
func LoadBPEDir(dir string) (*BPE, error) {
	return loadBPEFiles(filepath.Base(dir), filepath.Join(dir, VocabFile), filepath.Join(dir, MergesFile))
}

func loadBPEFiles(name, vocabPath, mergesPath string) (*BPE, error) {
	vocabData, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", vocabPath)
	}
	var encoder map[string]int
	if err := json.Unmarshal(vocabData, &encoder); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", vocabPath)
	}
	mergesData, err := os.ReadFile(mergesPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", mergesPath)
	}
	var merges []string
	for _, line := range strings.Split(string(mergesData), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "#version") || strings.TrimSpace(line) == "" {
			continue
		}
		merges = append(merges, line)
	}
	return NewBPE(name, encoder, merges), nil
}

// NewBPE creates a tokenizer from a vocabulary (token -> id) and the ordered list of merges,
// each merge formatted as "<left> <right>".
func NewBPE(name string, encoder map[string]int, merges []string) *BPE {
	t := &BPE{
		name:     name,
		encoder:  encoder,
		decoder:  make(map[int]string, len(encoder)),
		merges:   merges,
		bpeRanks: make(map[string]int, len(merges)),
		cache:    make(map[string][]string),
	}
	for token, id := range encoder {
		t.decoder[id] = token
	}
	for rank, merge := range merges {
		t.bpeRanks[merge] = rank
	}
	t.byteEncoder, t.byteDecoder = bytesToUnicode()
	return t
}

// bytesToUnicode maps every byte to a printable rune: printable bytes map to themselves, the
// others to 256 and up.
func bytesToUnicode() (encoder [256]rune, decoder map[rune]byte) {
	decoder = make(map[rune]byte, 256)
	isPrintable := func(b int) bool {
		return (b >= 33 && b <= 126) || (b >= 161 && b <= 172) || (b >= 174)
	}
	offset := 0
	for b := range 256 {
		var r rune
		if isPrintable(b) {
			r = rune(b)
		} else {
			r = rune(256 + offset)
			offset++
		}
		encoder[b] = r
		decoder[r] = byte(b)
	}
	return
}

// bpe merges the symbols of one pre-token, lowest ranked pair first.
func (t *BPE) bpe(token string) []string {
	t.mu.RLock()
	cached, found := t.cache[token]
	t.mu.RUnlock()
	if found {
		return cached
	}

	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}
	for len(word) > 1 {
		bestIdx := -1
		bestRank := int(^uint(0) >> 1)
		for i := 0; i < len(word)-1; i++ {
			if rank, ok := t.bpeRanks[word[i]+" "+word[i+1]]; ok && rank < bestRank {
				bestRank = rank
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		// Merge every occurrence of the best pair, left to right.
		left, right := word[bestIdx], word[bestIdx+1]
		merged := word[:0:0]
		for i := 0; i < len(word); i++ {
			if i < len(word)-1 && word[i] == left && word[i+1] == right {
				merged = append(merged, left+right)
				i++
				continue
			}
			merged = append(merged, word[i])
		}
		word = merged
	}

	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}

// Encode implements Base. Symbols missing from the vocabulary are dropped.
func (t *BPE) Encode(text string) []int {
	var ids []int
	var sb strings.Builder
	for _, match := range gpt2Pattern.FindAllString(text, -1) {
		sb.Reset()
		for i := 0; i < len(match); i++ {
			sb.WriteRune(t.byteEncoder[match[i]])
		}
		for _, symbol := range t.bpe(sb.String()) {
			if id, ok := t.encoder[symbol]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Decode implements Base. Unknown ids are skipped.
func (t *BPE) Decode(ids []int) string {
	var bytes []byte
	for _, id := range ids {
		token, ok := t.decoder[id]
		if !ok {
			continue
		}
		for _, r := range token {
			if b, ok := t.byteDecoder[r]; ok {
				bytes = append(bytes, b)
			}
		}
	}
	return string(bytes)
}

// VocabSize implements Base.
func (t *BPE) VocabSize() int { return len(t.encoder) }

// Name implements Base.
func (t *BPE) Name() string { return t.name }

// TokenID implements Base.
func (t *BPE) TokenID(token string) (int, bool) {
	id, ok := t.encoder[token]
	return id, ok
}

// Save writes vocab.json and merges.txt into dir.
func (t *BPE) Save(dir string) error {
	vocabData, err := json.Marshal(t.encoder)
	if err != nil {
		return errors.Wrap(err, "failed to encode vocabulary")
	}
	if err := os.WriteFile(filepath.Join(dir, VocabFile), vocabData, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", VocabFile)
	}
	f, err := os.Create(filepath.Join(dir, MergesFile))
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", MergesFile)
	}
	w := bufio.NewWriter(f)
	_, _ = w.WriteString("#version: 0.2\n")
	for _, merge := range t.merges {
		_, _ = w.WriteString(merge)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %s", MergesFile)
	}
	return errors.Wrapf(f.Close(), "failed to close %s", MergesFile)
}
