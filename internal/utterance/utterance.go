// Package utterance holds the small amount of language handling the engine
// does itself: folding transcripts, recognizing confirmation and
// cancellation phrases, and matching a spoken answer against a list of
// candidates. Intent recognition proper happens upstream.
//
// Everything here is deterministic and safe for concurrent use.
package utterance

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Reply is the confirmation meaning of an utterance.
type Reply int

const (
	ReplyNone Reply = iota
	ReplyConfirm
	ReplyCancel
)

func (r Reply) String() string {
	switch r {
	case ReplyConfirm:
		return "confirm"
	case ReplyCancel:
		return "cancel"
	}
	return "none"
}

var folder = cases.Fold()

var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Normalize case-folds s and collapses whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(folder.String(s)), " ")
}

// Tokenize returns the set of folded word tokens in s minus stop words.
func Tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(folder.String(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var (
	confirmWords = set("yes", "yeah", "yep", "yup", "confirm", "confirmed", "proceed", "ok", "okay", "sure", "affirmative", "approve", "approved", "correct")
	cancelWords  = set("no", "nope", "cancel", "stop", "abort", "nevermind", "don't", "dont", "negative", "wait")

	confirmPhrases = []string{"do it", "go ahead", "ship it", "sounds good", "go for it", "make it so"}
	cancelPhrases  = []string{"never mind", "do not", "forget it", "hold on", "not now"}
)

// Classify maps a short transcript onto a confirmation reply. Cancellation
// wins whenever both readings are present.
func Classify(transcript string) Reply {
	n := " " + Normalize(transcript) + " "
	if strings.TrimSpace(n) == "" {
		return ReplyNone
	}
	for _, p := range cancelPhrases {
		if strings.Contains(n, " "+p+" ") || strings.Contains(n, " "+p+",") {
			return ReplyCancel
		}
	}
	// keep apostrophes so "don't" survives as one token
	words := strings.FieldsFunc(n, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?' || r == ';'
	})
	confirm := false
	for _, w := range words {
		if _, ok := cancelWords[w]; ok {
			return ReplyCancel
		}
		if _, ok := confirmWords[w]; ok {
			confirm = true
		}
	}
	if confirm {
		return ReplyConfirm
	}
	for _, p := range confirmPhrases {
		if strings.Contains(n, " "+p+" ") || strings.Contains(n, " "+p+",") {
			return ReplyConfirm
		}
	}
	return ReplyNone
}

var matchStop = set("the", "a", "an", "one", "repo", "repository", "in", "on", "please", "that", "this", "i", "mean", "pr", "pull", "request")

var ordinals = map[string]int{
	"first": 0, "1st": 0, "1": 0,
	"second": 1, "2nd": 1, "2": 1,
	"third": 2, "3rd": 2, "3": 2,
	"fourth": 3, "4th": 3, "4": 3,
	"last": -1,
}

// Match picks the candidate an answer refers to, either by ordinal ("the
// second one") or by token overlap with the candidate text ("the backend
// one" → "acme/backend-api"). It returns -1 unless exactly one candidate
// scores best.
func Match(answer string, candidates []string) int {
	if len(candidates) == 0 {
		return -1
	}
	q := Tokenize(answer, matchStop)
	if len(q) == 0 {
		return -1
	}
	if len(q) == 1 {
		for w := range q {
			if i, ok := ordinals[w]; ok {
				if i < 0 {
					i = len(candidates) - 1
				}
				if i < len(candidates) {
					return i
				}
				return -1
			}
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	buf := make([]scored, 0, len(candidates))
	for i, c := range candidates {
		ct := Tokenize(c, matchStop)
		over := overlap(q, ct)
		if over == 0 {
			continue
		}
		union := float64(len(q) + len(ct) - over)
		buf = append(buf, scored{idx: i, score: float64(over) / union})
	}
	if len(buf) == 0 {
		return -1
	}
	sort.SliceStable(buf, func(a, b int) bool { return buf[a].score > buf[b].score })
	if len(buf) > 1 && buf[0].score == buf[1].score {
		return -1
	}
	return buf[0].idx
}
