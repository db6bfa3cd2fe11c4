package intelligence

import "testing"

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\nplain\n```":         "plain",
		"  no fences ":            "no fences",
	}
	for in, want := range cases {
		if got := stripFences(in); got != want {
			t.Fatalf("stripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeSentiment(t *testing.T) {
	cases := map[string]string{
		"Positive":                SentimentPositive,
		"mostly negative":         SentimentNegative,
		"Mixed, leaning positive": SentimentMixed,
		"curious":                 SentimentNeutral,
		"":                        "",
	}
	for in, want := range cases {
		if got := normalizeSentiment(in); got != want {
			t.Fatalf("normalizeSentiment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAnalysisSentimentObject(t *testing.T) {
	a := parseAnalysis(`Here you go: {"summary":"s","topics":[],"sentiment":{"label":"mixed","confidence":0.6}} done`, "kubernetes kubernetes helm")
	if a.Summary != "s" || a.Sentiment != SentimentMixed {
		t.Fatalf("unexpected analysis %+v", a)
	}
	if len(a.KeyTopics) == 0 || a.KeyTopics[0] != "kubernetes" {
		t.Fatalf("topics should be derived when missing: %v", a.KeyTopics)
	}
}

func TestDeriveTopicsNeverEmpty(t *testing.T) {
	if got := deriveTopics("ok hi yes"); len(got) != 1 || got[0] != "general" {
		t.Fatalf("unexpected topics %v", got)
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float64{1, 0}, []float64{1, 0}); got != 1 {
		t.Fatalf("identical vectors: %v", got)
	}
	if got := cosine([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors: %v", got)
	}
	if got := cosine([]float64{1}, []float64{1, 2}); got != 0 {
		t.Fatalf("length mismatch: %v", got)
	}
	if got := cosine([]float64{0, 0}, []float64{1, 2}); got != 0 {
		t.Fatalf("zero vector: %v", got)
	}
}
