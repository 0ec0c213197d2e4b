// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credential scores passwords and passphrases, checks candidates
// against a breach oracle, and generates passphrases that pass their own
// strength requirements.
package credential

import (
	"math"
	"strings"
)

// Strength is the ordinal strength class of a credential.
type Strength string

// Strength classes, weakest first.
const (
	StrengthWeak       Strength = "weak"
	StrengthFair       Strength = "fair"
	StrengthMedium     Strength = "medium"
	StrengthStrong     Strength = "strong"
	StrengthVeryStrong Strength = "very-strong"
)

// Assessment is the result of scoring one credential.
type Assessment struct {
	// Score is the composite score clamped to [0,100].
	Score int
	// Strength is the ordinal class derived from Score.
	Strength Strength
	// EntropyBits estimates the search space of the credential.
	EntropyBits float64
	// Acceptable reports whether the credential meets the minimum
	// entropy requirement.
	Acceptable bool
	// Warnings names the penalties that applied.
	Warnings []string
}

// PersonalInfo carries user attributes a password must not contain.
type PersonalInfo struct {
	Email     string
	FirstName string
	LastName  string
	BirthYear string
}

// substrings returns the lowercase fragments (length >= 3) a password is
// penalized for containing.
func (p PersonalInfo) substrings() []string {
	var out []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if len(s) >= 3 {
			out = append(out, s)
		}
	}
	if at := strings.IndexByte(p.Email, '@'); at > 0 {
		add(p.Email[:at])
	} else {
		add(p.Email)
	}
	add(p.FirstName)
	add(p.LastName)
	add(p.BirthYear)
	return out
}

// Character-class pool sizes used for the entropy estimate.
const (
	poolLower  = 26
	poolUpper  = 26
	poolDigit  = 10
	poolSymbol = 32
)

// keyboardRuns are straight keyboard or counting sequences that collapse
// the effective search space.
var keyboardRuns = []string{
	"qwerty", "asdfgh", "zxcvbn", "qazwsx",
	"12345", "23456", "34567", "45678", "56789", "67890",
	"09876", "98765", "87654", "76543", "65432", "54321",
	"abcdef",
}

// Scorer evaluates credentials against configured minimums.
type Scorer struct {
	minPasswordBits   float64
	minPassphraseBits float64
}

// NewScorer creates a Scorer with the given entropy floors.
func NewScorer(minPasswordBits, minPassphraseBits float64) *Scorer {
	return &Scorer{
		minPasswordBits:   minPasswordBits,
		minPassphraseBits: minPassphraseBits,
	}
}

// ScorePassword evaluates a password candidate. Sub-scores for length,
// character-class diversity and entropy are added, penalties subtracted,
// and the result clamped to [0,100].
func (s *Scorer) ScorePassword(password string, info PersonalInfo) Assessment {
	var assessment Assessment
	lower := strings.ToLower(password)

	// Length: linear between 8 and 40 characters, worth up to 30.
	length := float64(len(password))
	lengthScore := (length - 8) / 32 * 30
	lengthScore = math.Max(0, math.Min(30, lengthScore))

	// Class diversity: +5 per class present.
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	var classScore, pool float64
	if hasLower {
		classScore += 5
		pool += poolLower
	}
	if hasUpper {
		classScore += 5
		pool += poolUpper
	}
	if hasDigit {
		classScore += 5
		pool += poolDigit
	}
	if hasSymbol {
		classScore += 5
		pool += poolSymbol
	}

	// Entropy: log2(pool^length) bits, worth up to 50 at 100 bits.
	if pool > 0 {
		assessment.EntropyBits = length * math.Log2(pool)
	}
	entropyScore := math.Min(assessment.EntropyBits, 100) / 2

	score := lengthScore + classScore + entropyScore

	if containsDictionaryWord(lower) {
		score -= 20
		assessment.Warnings = append(assessment.Warnings, "contains a common password or dictionary word")
	}
	for _, run := range keyboardRuns {
		if strings.Contains(lower, run) {
			score -= 15
			assessment.Warnings = append(assessment.Warnings, "contains a keyboard sequence")
			break
		}
	}
	if hasRepeatedRun(password, 3) {
		score -= 10
		assessment.Warnings = append(assessment.Warnings, "contains repeated characters")
	}
	for _, fragment := range info.substrings() {
		if strings.Contains(lower, fragment) {
			score -= 15
			assessment.Warnings = append(assessment.Warnings, "contains personal information")
			break
		}
	}

	assessment.Score = clampScore(score)
	assessment.Strength = strengthOf(assessment.Score)
	assessment.Acceptable = assessment.EntropyBits >= s.minPasswordBits && len(assessment.Warnings) == 0
	return assessment
}

// ScorePassphrase evaluates a multi-word passphrase. The entropy floor is
// higher than for passwords because the per-word dictionary space is
// smaller than the per-character pool.
func (s *Scorer) ScorePassphrase(passphrase string) Assessment {
	var assessment Assessment
	words := splitWords(passphrase)

	if len(words) == 0 {
		assessment.Strength = StrengthWeak
		assessment.Warnings = append(assessment.Warnings, "empty passphrase")
		return assessment
	}

	// Word count: worth up to 30 at six words.
	countScore := math.Min(float64(len(words))/6, 1) * 30

	// Uniqueness ratio penalizes repeated words.
	unique := make(map[string]struct{}, len(words))
	var totalLen int
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
		totalLen += len(w)
	}
	uniqueRatio := float64(len(unique)) / float64(len(words))
	uniqueScore := uniqueRatio * 20

	// Mean word length: worth up to 20 at seven characters.
	meanLen := float64(totalLen) / float64(len(words))
	lengthScore := math.Min(meanLen/7, 1) * 20

	// Entropy: unique words drawn from an assumed diceware-sized
	// dictionary (2^12.9), plus one bit per separator or digit.
	assessment.EntropyBits = float64(len(unique)) * math.Log2(dicewareDictionarySize)
	for _, r := range passphrase {
		if r >= '0' && r <= '9' {
			assessment.EntropyBits += math.Log2(10)
		}
	}
	entropyScore := math.Min(assessment.EntropyBits, 120) / 4

	score := countScore + uniqueScore + lengthScore + entropyScore

	if uniqueRatio < 1 {
		assessment.Warnings = append(assessment.Warnings, "contains repeated words")
	}
	lower := strings.ToLower(passphrase)
	for _, phrase := range commonPhrases {
		if strings.Contains(lower, phrase) {
			score -= 20
			assessment.Warnings = append(assessment.Warnings, "contains a well-known phrase")
			break
		}
	}
	if len(words) >= 3 && wordsInAlphabeticalOrder(words) {
		score -= 15
		assessment.Warnings = append(assessment.Warnings, "words are in alphabetical order")
	}

	assessment.Score = clampScore(score)
	assessment.Strength = strengthOf(assessment.Score)
	assessment.Acceptable = assessment.EntropyBits >= s.minPassphraseBits && len(assessment.Warnings) == 0
	return assessment
}

// dicewareDictionarySize is the assumed per-word dictionary size (6^5).
const dicewareDictionarySize = 7776

// commonPhrases are well-known phrase fragments that collapse passphrase
// entropy regardless of length.
var commonPhrases = []string{
	"correct horse battery staple",
	"to be or not to be",
	"the quick brown fox",
	"may the force be with you",
	"let me in",
	"open sesame",
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ' ', '-', '_', '.', ',':
			return true
		}
		return false
	})
}

func wordsInAlphabeticalOrder(words []string) bool {
	for i := 1; i < len(words); i++ {
		if strings.ToLower(words[i-1]) > strings.ToLower(words[i]) {
			return false
		}
	}
	return true
}

func hasRepeatedRun(s string, longerThan int) bool {
	run := 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			run++
			if run > longerThan {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

func clampScore(score float64) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(math.Round(score))
}

func strengthOf(score int) Strength {
	switch {
	case score < 20:
		return StrengthWeak
	case score < 40:
		return StrengthFair
	case score < 60:
		return StrengthMedium
	case score < 80:
		return StrengthStrong
	default:
		return StrengthVeryStrong
	}
}
