package tasks

import (
	"time"

	"github.com/nextlevelbuilder/aide/internal/statefile"
)

const maxEpisodes = 500

// Episode is one subtask execution outcome. Episodes feed the
// planner's tool priors and the routine miner.
type Episode struct {
	Description string    `json:"description"`
	Tool        string    `json:"tool,omitempty"` // first tool hint
	Outcome     string    `json:"outcome"`
	Success     bool      `json:"success"`
	At          time.Time `json:"at"`
}

type episodeState struct {
	Episodes []Episode `json:"episodes"`
}

// Episodes is the bounded execution history.
type Episodes struct {
	file *statefile.File[episodeState]
	now  func() time.Time
}

func NewEpisodes(path string) *Episodes {
	return &Episodes{file: statefile.New[episodeState](path), now: time.Now}
}

func (e *Episodes) Record(ep Episode) error {
	return e.file.Mutate(func(s *episodeState) {
		ep.At = e.now()
		s.Episodes = append(s.Episodes, ep)
		if len(s.Episodes) > maxEpisodes {
			s.Episodes = s.Episodes[len(s.Episodes)-maxEpisodes:]
		}
	})
}

// Recent returns the newest n episodes, oldest first.
func (e *Episodes) Recent(n int) []Episode {
	eps := e.file.Load().Episodes
	if n > 0 && len(eps) > n {
		eps = eps[len(eps)-n:]
	}
	out := make([]Episode, len(eps))
	copy(out, eps)
	return out
}

// SuccessRates computes per-tool success over the last n episodes.
// Tools with no history are absent; the planner treats that as an
// unknown, not a zero.
func (e *Episodes) SuccessRates(n int) map[string]float64 {
	total := map[string]int{}
	won := map[string]int{}
	for _, ep := range e.Recent(n) {
		if ep.Tool == "" {
			continue
		}
		total[ep.Tool]++
		if ep.Success {
			won[ep.Tool]++
		}
	}
	rates := make(map[string]float64, len(total))
	for tool, count := range total {
		rates[tool] = float64(won[tool]) / float64(count)
	}
	return rates
}
