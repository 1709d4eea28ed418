package server

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenEstimator counts the tokens a piece of tool metadata will cost in a
// model context window.
type TokenEstimator interface {
	Count(text string) int
}

// heuristicEstimator is the default: four characters per token, rounded up.
// It is deterministic and needs no encoder data files.
type heuristicEstimator struct{}

func (heuristicEstimator) Count(text string) int {
	return (len(text) + 3) / 4
}

type tiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Count(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// NewTokenEstimator returns the estimator for the given mode. Mode "tiktoken"
// uses the cl100k_base encoding for exact counts; anything else (including
// empty) selects the heuristic. A tiktoken init failure falls back to the
// heuristic rather than failing startup.
func NewTokenEstimator(mode string, logger *zap.Logger) TokenEstimator {
	if mode != "tiktoken" {
		return heuristicEstimator{}
	}
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		if logger != nil {
			logger.Warn("Failed to initialize tiktoken, falling back to heuristic token estimate",
				zap.Error(err))
		}
		return heuristicEstimator{}
	}
	return &tiktokenEstimator{encoding: encoding}
}
