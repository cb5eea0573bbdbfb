// Package processing implements the content pipeline: a fixed sequence of
// pure transformations applied to a conversation before it is sent
// upstream.
package processing

import "github.com/teilomillet/lorebridge/chat"

// Stage names, in execution order.
const (
	StageForbidden = "forbidden_filter"
	StageLorebook  = "lorebook"
	StageJailbreak = "jailbreak"
	StageSeeds     = "plot_spice"
	StageNormalize = "normalize"
)

// Random is the source of randomness for the seed stage. *math/rand.Rand
// satisfies it.
type Random interface {
	Float64() float64
	Intn(n int) int
}

// StageOutput is the conversation produced by one stage.
type StageOutput struct {
	Stage        string
	Conversation chat.Conversation
}

type stage struct {
	name  string
	apply func(chat.Conversation, Random) chat.Conversation
}

// NoRandom never fires a probabilistic injection. It is useful for
// callers that need the pipeline to be fully deterministic.
type NoRandom struct{}

func (NoRandom) Float64() float64 { return 1 }
func (NoRandom) Intn(int) int     { return 0 }
