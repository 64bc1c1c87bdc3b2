package pipeline

import "strings"

// noisePatterns are common ASR hallucinations from background noise.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "sneeze": true, "laughter": true, "applause": true,
	"you": true, "the": true, "a": true, "um": true, "uh": true,
	"hmm": true, "ah": true, "oh": true, "mhm": true,
	"thank you.": true, "thanks for watching!": true,
}

var noiseWrappers = [][2]string{{"*", "*"}, {"[", "]"}, {"(", ")"}}

// isNoiseTranscript reports whether ASR output is likely background noise
// rather than speech: *crunching*, [inaudible], (music) or a lone filler word.
func isNoiseTranscript(text string) bool {
	for _, w := range noiseWrappers {
		if strings.HasPrefix(text, w[0]) && strings.HasSuffix(text, w[1]) {
			return true
		}
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	if noisePatterns[lower] {
		return true
	}
	return noisePatterns[strings.TrimRight(lower, ".!?,")]
}
