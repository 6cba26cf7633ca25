package rollouts

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// numberVocab encodes space-separated numbers to their values, with pad 0,
// bos 1, eos 2 and unknown 3. "<eos>" round-trips with the eos id.
type numberVocab struct{}

func (numberVocab) Encode(text string) []int {
	var ids []int
	for _, field := range strings.Fields(text) {
		base, hasEOS := strings.CutSuffix(field, "<eos>")
		if base != "" {
			if n, err := strconv.Atoi(base); err == nil {
				ids = append(ids, n)
			} else {
				ids = append(ids, 3)
			}
		}
		if hasEOS {
			ids = append(ids, 2)
		}
	}
	return ids
}

func (numberVocab) Decode(ids []int) string {
	var parts []string
	for _, id := range ids {
		if id == 2 {
			if len(parts) > 0 {
				parts[len(parts)-1] += "<eos>"
			} else {
				parts = append(parts, "<eos>")
			}
			continue
		}
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, " ")
}

func (numberVocab) EndOfSentenceToken() string { return "<eos>" }
func (numberVocab) BeginningOfSentenceId() int { return 1 }
func (numberVocab) EndOfSentenceId() int       { return 2 }
func (numberVocab) UnknownId() int             { return 3 }
func (numberVocab) PadId() int                 { return 0 }

func TestDecodeOutputStripsPadding(t *testing.T) {
	c := &Collector{Vocab: numberVocab{}}
	// Prompt width 2, then two tokens, eos and padding.
	row := []int32{0, 4, 10, 11, 2, 0, 0}
	require.Equal(t, "10 11<eos>", c.decodeOutput(row, 2))
	require.Equal(t, "4", c.decodePrompt(row, 2))
}

func TestDecodeOutputAppendsEOSOnce(t *testing.T) {
	c := &Collector{Vocab: numberVocab{}}

	// Already ends with eos: no second marker.
	require.Equal(t, "10<eos>", c.decodeOutput([]int32{4, 10, 2}, 1))

	// Never produced eos: marker appended.
	require.Equal(t, "10 11<eos>", c.decodeOutput([]int32{4, 10, 11}, 1))
}

func TestDecodeOutputStopSequence(t *testing.T) {
	c := &Collector{
		Vocab:  numberVocab{},
		Config: Config{StopSequences: []string{"13"}},
	}
	// The text after (and including) the stop sequence is dropped, trailing
	// whitespace removed, and the eos marker re-appended.
	row := []int32{4, 10, 13, 11, 2}
	require.Equal(t, "10<eos>", c.decodeOutput(row, 1))
}

func TestDecodeRoundTripsThroughEncode(t *testing.T) {
	c := &Collector{Vocab: numberVocab{}}
	row := []int32{4, 10, 11, 2, 0}
	text := c.decodeOutput(row, 1)
	require.Equal(t, []int{10, 11, 2}, numberVocab{}.Encode(text))
}
