package rollouts

import (
	"strings"
	"unicode"
)

// decodeOutput turns the generated continuation of one sampled row into text:
// padding is stripped, the text is cut at the first stop sequence, trailing
// whitespace is removed and the end-of-sentence marker is appended so it
// appears exactly once.
func (c *Collector) decodeOutput(sampleRow []int32, promptWidth int) string {
	ids := stripPad(sampleRow[promptWidth:], int32(c.Vocab.PadId()))
	text := c.Vocab.Decode(toInts(ids))
	for _, stop := range c.Config.StopSequences {
		if i := strings.Index(text, stop); i >= 0 {
			text = text[:i]
		}
	}
	text = strings.TrimRightFunc(text, unicode.IsSpace)
	eosToken := c.Vocab.EndOfSentenceToken()
	if !strings.HasSuffix(text, eosToken) {
		text += eosToken
	}
	return text
}

// decodePrompt turns the prompt part of a sampled row back into text.
func (c *Collector) decodePrompt(sampleRow []int32, promptWidth int) string {
	ids := stripPad(sampleRow[:promptWidth], int32(c.Vocab.PadId()))
	return c.Vocab.Decode(toInts(ids))
}

// stripPad drops pad tokens from a row, keeping the order of the rest.
func stripPad(row []int32, pad int32) []int32 {
	out := make([]int32, 0, len(row))
	for _, id := range row {
		if id != pad {
			out = append(out, id)
		}
	}
	return out
}

func toInts(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
