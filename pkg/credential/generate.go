// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	_ "embed"
)

//go:embed wordlists/common.txt
var commonWordsRaw []byte

//go:embed wordlists/secure.txt
var secureWordsRaw []byte

var (
	commonWords = parseWordlist(commonWordsRaw)
	secureWords = parseWordlist(secureWordsRaw)
)

func parseWordlist(raw []byte) []string {
	var words []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word == "" || strings.HasPrefix(word, "#") {
			continue
		}
		words = append(words, word)
	}
	return words
}

// Wordlist selects which curated list a passphrase draws from.
type Wordlist string

// Curated wordlists.
const (
	// WordlistCommon favors short, memorable everyday words.
	WordlistCommon Wordlist = "common"
	// WordlistSecure favors longer, rarer words for more entropy per word.
	WordlistSecure Wordlist = "secure"
)

// GenerateOptions configures passphrase generation.
type GenerateOptions struct {
	// Words is the number of words to draw. Minimum 4; default 5.
	Words int
	// List selects the wordlist. Default WordlistCommon.
	List Wordlist
	// Separator joins the words. Default "-".
	Separator string
	// NumericInfix inserts a random two-digit number between two words.
	NumericInfix bool
}

const maxGenerateAttempts = 32

// GeneratePassphrase draws a passphrase from a CSPRNG and the selected
// wordlist. The result always passes the Scorer's own passphrase check;
// generation retries draws that fail it (repeated words, accidental
// alphabetical order).
func (s *Scorer) GeneratePassphrase(opts GenerateOptions) (string, error) {
	if opts.Words < 4 {
		opts.Words = 5
	}
	if opts.Separator == "" {
		opts.Separator = "-"
	}
	list := commonWords
	if opts.List == WordlistSecure {
		list = secureWords
	}
	if opts.Words > len(list) {
		return "", fmt.Errorf("wordlist has only %d words", len(list))
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		words, err := drawWords(list, opts.Words)
		if err != nil {
			return "", err
		}
		if opts.NumericInfix {
			n, err := randInt(100)
			if err != nil {
				return "", err
			}
			pos, err := randInt(len(words) - 1)
			if err != nil {
				return "", err
			}
			infix := fmt.Sprintf("%02d", n)
			words = append(words[:pos+1], append([]string{infix}, words[pos+1:]...)...)
		}

		passphrase := strings.Join(words, opts.Separator)
		if s.ScorePassphrase(passphrase).Acceptable {
			return passphrase, nil
		}
	}
	return "", fmt.Errorf("failed to generate an acceptable passphrase after %d attempts", maxGenerateAttempts)
}

// drawWords samples n distinct words.
func drawWords(list []string, n int) ([]string, error) {
	chosen := make([]string, 0, n)
	used := make(map[int]struct{}, n)
	for len(chosen) < n {
		i, err := randInt(len(list))
		if err != nil {
			return nil, err
		}
		if _, dup := used[i]; dup {
			continue
		}
		used[i] = struct{}{}
		chosen = append(chosen, list[i])
	}
	return chosen, nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random source: %w", err)
	}
	return int(v.Int64()), nil
}
