package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// splitSentences breaks text at sentence boundaries, keeping the enders.
func splitSentences(text string) []string {
	var out []string
	rest := text
	for {
		complete, remainder := splitAtFirstSentence(rest)
		if complete == "" {
			break
		}
		out = append(out, complete)
		rest = remainder
	}
	if tail := strings.TrimSpace(rest); tail != "" {
		out = append(out, tail)
	}
	return out
}

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitAtFirstSentence finds the first sentence boundary in text.
// A boundary is a sentence ender (.!?) followed by whitespace.
// Returns (sentence, remainder). If no boundary, returns ("", text).
func splitAtFirstSentence(text string) (string, string) {
	for i := 0; i+1 < len(text); i++ {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			sentence := strings.TrimSpace(text[:i+1])
			if sentence == "" {
				continue
			}
			return sentence, text[i+1:]
		}
	}
	return "", text
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

// SentenceStream adapts a whole-buffer Synthesizer to chunk streaming: each
// sentence is synthesized separately so the first audio is ready before the
// whole reply is. The first sentence is synthesized before returning, so an
// error return means no audio exists.
func SentenceStream(ctx context.Context, s Synthesizer, text string) (<-chan Chunk, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, fmt.Errorf("nothing to synthesize")
	}
	first, err := s.Synthesize(ctx, sentences[0])
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, 1)
	go func() {
		defer close(ch)
		if !sendChunk(ctx, ch, Chunk{Data: first}) {
			return
		}
		for _, sentence := range sentences[1:] {
			data, err := s.Synthesize(ctx, sentence)
			if err != nil {
				sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("synthesize sentence: %w", err)})
				return
			}
			if !sendChunk(ctx, ch, Chunk{Data: data}) {
				return
			}
		}
	}()
	return ch, nil
}
