package tokenutil

import "testing"

func TestEstimateTokensEmpty(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty string estimated at %d tokens", got)
	}
}

func TestEstimateTokensProse(t *testing.T) {
	// 13 words: word estimate 13*1.33=17 beats byte estimate 63/4=15.
	got := EstimateTokens("The quick brown fox jumps over the lazy dog near the river bank")
	if got != 17 {
		t.Fatalf("prose estimate = %d, want 17", got)
	}
	if got := EstimateTokens("hello"); got != 1 {
		t.Fatalf("single word estimate = %d, want 1", got)
	}
}

func TestEstimateTokensDenseText(t *testing.T) {
	// Code has few spaces, so the byte estimate wins: 37/4=9 over 4*1.33=5.
	got := EstimateTokens(`func main() { fmt.Println("hello") }`)
	if got != 9 {
		t.Fatalf("code estimate = %d, want 9", got)
	}
}

func TestEstimateTokensCJK(t *testing.T) {
	// One token per Han rune.
	if got := EstimateTokens("你好世界欢迎光临"); got != 8 {
		t.Fatalf("CJK estimate = %d, want 8", got)
	}
	// Latin remainder "error in  module": 3 words -> 4 by bytes, plus 3 Han runes.
	if got := EstimateTokens("error in 数据库 module"); got != 7 {
		t.Fatalf("mixed estimate = %d, want 7", got)
	}
}
