package pipelines

import (
	"strconv"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

// numberVocab encodes prompts like "5 6 7" into the token ids they spell out.
type numberVocab struct{}

func (numberVocab) Encode(text string) []int {
	var ids []int
	for _, field := range strings.Fields(text) {
		id, err := strconv.Atoi(strings.TrimSuffix(field, "<eos>"))
		if err != nil {
			ids = append(ids, 3)
			continue
		}
		ids = append(ids, id)
		if strings.HasSuffix(field, "<eos>") {
			ids = append(ids, 2)
		}
	}
	return ids
}

func (numberVocab) Decode(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}

func (numberVocab) EndOfSentenceToken() string { return "<eos>" }
func (numberVocab) BeginningOfSentenceId() int { return 1 }
func (numberVocab) EndOfSentenceId() int       { return 2 }
func (numberVocab) UnknownId() int             { return 3 }
func (numberVocab) PadId() int                 { return 0 }

func numberPrompt(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = strconv.Itoa(start + i)
	}
	return strings.Join(parts, " ")
}

func TestNewRejectsTinyPromptBudget(t *testing.T) {
	_, err := New(numberVocab{}, []string{"4 5"}, Config{MaxPromptLength: 8})
	require.Error(t, err)
	require.Contains(t, err.Error(), "MaxPromptLength")
}

func TestTruncation(t *testing.T) {
	long := numberPrompt(100, 20)

	left, err := New(numberVocab{}, []string{long}, Config{MaxPromptLength: 16})
	require.NoError(t, err)
	batch := left.Batch([]int{0})
	require.Equal(t, []int{16}, batch.Lengths)
	tensors.ConstFlatData(batch.Tokens, func(flat []int32) {
		require.Equal(t, int32(104), flat[0]) // First 4 tokens dropped.
		require.Equal(t, int32(119), flat[15])
	})

	right, err := New(numberVocab{}, []string{long},
		Config{MaxPromptLength: 16, TruncationSide: TruncateRight})
	require.NoError(t, err)
	batch = right.Batch([]int{0})
	tensors.ConstFlatData(batch.Tokens, func(flat []int32) {
		require.Equal(t, int32(100), flat[0])
		require.Equal(t, int32(115), flat[15])
	})
}

func TestBatchLeftPads(t *testing.T) {
	p, err := New(numberVocab{}, []string{
		"7 8<eos>",
		"4 5 6 7<eos>",
	}, Config{MaxPromptLength: 16})
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())

	batch := p.Batch([]int{0, 1})
	require.Equal(t, 2, batch.Size())
	require.Equal(t, 5, batch.Width())
	require.Equal(t, []int{3, 5}, batch.Lengths)

	tensors.ConstFlatData(batch.Tokens, func(flat []int32) {
		require.Equal(t, []int32{
			0, 0, 7, 8, 2,
			4, 5, 6, 7, 2,
		}, flat)
	})
	tensors.ConstFlatData(batch.Mask, func(flat []int32) {
		require.Equal(t, []int32{
			0, 0, 1, 1, 1,
			1, 1, 1, 1, 1,
		}, flat)
	})
}

func TestMissingEOSWarningChecksTruncatedTokens(t *testing.T) {
	// A prompt ending in eos that loses it to right-truncation must warn.
	long := numberPrompt(100, 20) + "<eos>"
	p, err := New(numberVocab{}, []string{long},
		Config{MaxPromptLength: 16, TruncationSide: TruncateRight})
	require.NoError(t, err)
	require.True(t, p.warnedMissingEOS)

	// An eos anywhere in the surviving tokens is fine, even mid-prompt.
	mid := "4 5<eos> " + numberPrompt(200, 6)
	p, err = New(numberVocab{}, []string{mid}, Config{MaxPromptLength: 16})
	require.NoError(t, err)
	require.False(t, p.warnedMissingEOS)

	// Left truncation keeps a trailing eos: no warning.
	p, err = New(numberVocab{}, []string{numberPrompt(100, 20) + "<eos>"},
		Config{MaxPromptLength: 16, TruncationSide: TruncateLeft})
	require.NoError(t, err)
	require.False(t, p.warnedMissingEOS)
}

func TestIteratorWrapsAround(t *testing.T) {
	p, err := New(numberVocab{}, []string{
		"10<eos>", "11<eos>", "12<eos>",
	}, Config{MaxPromptLength: 16})
	require.NoError(t, err)

	it, err := NewIterator(p, 2)
	require.NoError(t, err)

	first := func(b PromptBatch) []int32 {
		var heads []int32
		tensors.ConstFlatData(b.Tokens, func(flat []int32) {
			width := b.Width()
			for i := 0; i < b.Size(); i++ {
				heads = append(heads, flat[i*width])
			}
		})
		return heads
	}

	require.Equal(t, []int32{10, 11}, first(it.Next()))
	require.Equal(t, []int32{12, 10}, first(it.Next()))
	require.Equal(t, []int32{11, 12}, first(it.Next()))
}

func TestNewIteratorValidation(t *testing.T) {
	p, err := New(numberVocab{}, []string{"5<eos>"}, Config{MaxPromptLength: 16})
	require.NoError(t, err)

	_, err = NewIterator(p, 0)
	require.Error(t, err)

	empty, err := New(numberVocab{}, nil, Config{MaxPromptLength: 16})
	require.NoError(t, err)
	_, err = NewIterator(empty, 1)
	require.Error(t, err)
}
