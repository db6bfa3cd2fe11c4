package intelligence

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"
)

const (
	emptySummary = "Empty conversation with no messages."
	maxTopics    = 5
)

// stripFences removes a surrounding ``` or ```json block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		return strings.TrimSpace(rest)
	}
	return s
}

type rawAnalysis struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Topics    []string `json:"topics"`
	KeyTopics []string `json:"key_topics"`
	Sentiment any      `json:"sentiment"`
}

// parseAnalysis reads a structured answer. When the answer is not JSON the
// whole text becomes the summary and topics and sentiment are derived from
// the conversation. The result always has at least one topic.
func parseAnalysis(answer, conversationText string) Analysis {
	body := stripFences(answer)
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		var raw rawAnalysis
		if err := json.Unmarshal([]byte(body[i:j+1]), &raw); err == nil && strings.TrimSpace(raw.Summary) != "" {
			topics := cleanTopics(raw.Topics)
			if len(topics) == 0 {
				topics = cleanTopics(raw.KeyTopics)
			}
			if len(topics) == 0 {
				topics = deriveTopics(conversationText)
			}
			sentiment := normalizeSentiment(sentimentText(raw.Sentiment))
			if sentiment == "" {
				sentiment = keywordSentiment(conversationText)
			}
			return Analysis{
				Summary:   strings.TrimSpace(raw.Summary),
				KeyTopics: topics,
				Sentiment: sentiment,
				KeyPoints: cleanTopics(raw.KeyPoints),
			}
		}
	}
	return Analysis{
		Summary:   body,
		KeyTopics: deriveTopics(conversationText + "\n" + body),
		Sentiment: keywordSentiment(conversationText),
	}
}

// sentimentText accepts either a bare label or an object with a label field.
func sentimentText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"label", "sentiment", "overall"} {
			if s, ok := t[k].(string); ok {
				return s
			}
		}
	}
	return ""
}

func normalizeSentiment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if ValidSentiment(s) {
		return s
	}
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "mixed"):
		return SentimentMixed
	case strings.Contains(s, "negative"):
		return SentimentNegative
	case strings.Contains(s, "positive"):
		return SentimentPositive
	default:
		return SentimentNeutral
	}
}

var (
	positiveWords = []string{"thank", "great", "good", "love", "excellent", "awesome", "perfect", "helpful", "happy", "glad", "nice"}
	negativeWords = []string{"bad", "error", "fail", "problem", "issue", "wrong", "broken", "hate", "angry", "frustrat", "terrible"}
)

func keywordSentiment(text string) string {
	lower := strings.ToLower(text)
	pos, neg := 0, 0
	for _, w := range positiveWords {
		pos += strings.Count(lower, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(lower, w)
	}
	switch {
	case pos > 0 && neg > 0:
		return SentimentMixed
	case pos > 0:
		return SentimentPositive
	case neg > 0:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "been": true, "before": true, "being": true,
	"between": true, "both": true, "could": true, "does": true, "doing": true, "down": true, "each": true,
	"from": true, "have": true, "having": true, "here": true, "into": true, "just": true, "like": true,
	"more": true, "most": true, "much": true, "need": true, "only": true, "other": true, "over": true,
	"same": true, "should": true, "some": true, "such": true, "than": true, "that": true, "their": true,
	"them": true, "then": true, "there": true, "these": true, "they": true, "this": true, "those": true,
	"through": true, "very": true, "want": true, "were": true, "what": true, "when": true, "where": true,
	"which": true, "while": true, "will": true, "with": true, "would": true, "your": true, "yours": true,
	"user": true, "assistant": true, "please": true, "thanks": true, "thank": true, "know": true, "make": true,
	"sure": true, "help": true, "here's": true, "it's": true, "i'm": true, "you're": true, "can't": true,
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
}

// deriveTopics returns the most frequent meaningful words of text.
func deriveTopics(text string) []string {
	counts := map[string]int{}
	for _, w := range words(text) {
		w = strings.Trim(w, "'-")
		if len([]rune(w)) < 4 || stopWords[w] {
			continue
		}
		counts[w]++
	}
	type wc struct {
		word  string
		count int
	}
	list := make([]wc, 0, len(counts))
	for w, c := range counts {
		list = append(list, wc{w, c})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].word < list[j].word
	})
	out := make([]string, 0, maxTopics)
	for _, e := range list {
		if len(out) == maxTopics {
			break
		}
		out = append(out, e.word)
	}
	if len(out) == 0 {
		out = append(out, "general")
	}
	return out
}

func cleanTopics(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(strings.TrimLeft(t, "-*• "))
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	return out
}

func truncateRunes(s string, n int) (string, bool) {
	r := []rune(s)
	if len(r) <= n {
		return s, false
	}
	return string(r[:n]), true
}
