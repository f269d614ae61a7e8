package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

type tokenizerJSON struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Model struct {
		Type   string          `json:"type"`
		Vocab  map[string]int  `json:"vocab"`
		Merges json.RawMessage `json:"merges"`
	} `json:"model"`
	PreTokenizer struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
		PreTokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
}

func parseMerges(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var merges []string
	if err := json.Unmarshal(raw, &merges); err == nil {
		return merges, nil
	}

	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("could not parse tokenizer merges. expected []string or [][]string: %w", err)
	}

	merges = make([]string, len(pairs))
	for i := range pairs {
		merges[i] = strings.Join(pairs[i], " ")
	}
	return merges, nil
}

// Load reads a byte-level BPE tokenizer from tokenizer.json and, when present,
// tokenizer_config.json in fsys.
func Load(fsys fs.FS) (*BytePairEncoding, error) {
	bts, err := fs.ReadFile(fsys, "tokenizer.json")
	if err != nil {
		return nil, err
	}

	var tt tokenizerJSON
	if err := json.Unmarshal(bts, &tt); err != nil {
		return nil, err
	}

	if tt.Model.Type != "" && tt.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tt.Model.Type)
	}

	vocab := Vocabulary{BOS: -1}

	size := len(tt.Model.Vocab)
	for _, t := range tt.AddedTokens {
		size = max(size, t.ID+1)
	}

	vocab.Values = make([]string, size)
	for v, id := range tt.Model.Vocab {
		if id < 0 || id >= size {
			return nil, fmt.Errorf("token %q has invalid id %d", v, id)
		}
		vocab.Values[id] = v
	}

	for _, t := range tt.AddedTokens {
		vocab.Values[t.ID] = t.Content
		if t.Special {
			vocab.Special = append(vocab.Special, t.Content)
		}
	}

	if vocab.Merges, err = parseMerges(tt.Model.Merges); err != nil {
		return nil, err
	}

	var pretokenizers []string
	if re := tt.PreTokenizer.Pattern.Regex; tt.PreTokenizer.Type == "Split" && re != "" {
		pretokenizers = append(pretokenizers, re)
	}
	for _, pt := range tt.PreTokenizer.PreTokenizers {
		if pt.Type == "Split" && pt.Pattern.Regex != "" {
			pretokenizers = append(pretokenizers, pt.Pattern.Regex)
		}
	}

	if err := loadConfig(fsys, &vocab); err != nil {
		return nil, err
	}

	return NewBytePairEncoding(&vocab, pretokenizers...)
}

func loadConfig(fsys fs.FS, vocab *Vocabulary) error {
	bts, err := fs.ReadFile(fsys, "tokenizer_config.json")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	var p map[string]json.RawMessage
	if err := json.Unmarshal(bts, &p); err != nil {
		return err
	}

	if raw, ok := p["add_bos_token"]; ok {
		if err := json.Unmarshal(raw, &vocab.AddBOS); err != nil {
			return fmt.Errorf("add_bos_token: %w", err)
		}
	}

	if raw, ok := p["bos_token"]; ok {
		var content string
		if err := json.Unmarshal(raw, &content); err != nil {
			var token struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(raw, &token); err != nil {
				return fmt.Errorf("bos_token: %w", err)
			}
			content = token.Content
		}
		vocab.BOS = vocab.Encode(content)
	}

	return nil
}
