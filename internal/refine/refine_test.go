package refine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractSymbols_DedupsAndSorts(t *testing.T) {
	symbols := ExtractSymbols("check out $BTC and $eth and $BTC again, also $ABCDEFGHIJK is too long")
	require.Equal(t, []string{"BTC"}, symbols)
}

func TestExtractContracts_NormalizesAndDedups(t *testing.T) {
	text := "CA: 0xAbC123000000000000000000000000000000DeAd and 0xabc123000000000000000000000000000000dead again"
	contracts := ExtractContracts(text)
	require.Equal(t, []string{"0xabc123000000000000000000000000000000dead"}, contracts)
}

func TestClassifyType_FirstMatchWins(t *testing.T) {
	require.Equal(t, TypeAirdrop, ClassifyType("claim your airdrop now, new token deploy"))
	require.Equal(t, TypeDeploy, ClassifyType("new contract deployed on mainnet"))
	require.Equal(t, TypeToken, ClassifyType("new token launch today"))
	require.Equal(t, TypeMisc, ClassifyType("just vibing"))
}

func TestScore_AdditiveClampedToOne(t *testing.T) {
	assets := Assets{Symbols: []string{"BTC"}, Contracts: []string{"0xabc"}}
	score := Score("bullish moon gem pump launch", assets)
	require.Equal(t, 1.0, score)

	require.InDelta(t, 0.3, Score("nothing special here", Assets{}), 0.0001)
}

func TestSummarize_TruncatesOnRuneBoundaryWithEllipsis(t *testing.T) {
	out := Summarize("hello   world  this is a test", 11)
	require.Equal(t, "hello worl…", out)
	require.Len(t, []rune(out), 11)

	exact := Summarize("hello world", 11)
	require.Equal(t, "hello world", exact)

	short := Summarize("hi there", 100)
	require.Equal(t, "hi there", short)
}

func TestEventKey_StableAndSixteenHexChars(t *testing.T) {
	key1 := EventKey(TypeToken, []string{"BTC"}, []string{"0xabc"}, "summary text")
	key2 := EventKey(TypeToken, []string{"BTC"}, []string{"0xabc"}, "summary text")
	require.Equal(t, key1, key2)
	require.Len(t, key1, 16)
}

func TestDerive_ProducesConsistentEvent(t *testing.T) {
	e := Derive("new token launch $GEM 0xabc123000000000000000000000000000000dead bullish", DefaultConfig())
	require.Equal(t, TypeToken, e.Type)
	require.Equal(t, []string{"GEM"}, e.Assets.Symbols)
	require.NotEmpty(t, e.EventKey)
	require.Equal(t, 1.0, e.Score)
}

func TestLabelForScore(t *testing.T) {
	require.Equal(t, "positive", LabelForScore(0.5, 0.25, -0.25))
	require.Equal(t, "negative", LabelForScore(-0.5, 0.25, -0.25))
	require.Equal(t, "neutral", LabelForScore(0.0, 0.25, -0.25))
}
