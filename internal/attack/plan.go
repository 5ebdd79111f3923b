// Package attack stages simulated poisoning attacks. A single-bias attack runs
// one worker at rank 0 that applies biased updates alone; a multi-stage attack
// releases cohorts of workers that apply gradients computed against a stale
// snapshot of the parameters, emulating updates delayed by the OS scheduler.
package attack

import (
	"github.com/seantiz/hogwild/internal/config"
	"github.com/seantiz/hogwild/internal/model"
)

// Plan returns the attack stages for cfg. Multi-stage plans admit ranks
// [(s-1)*step+1, s*step] for stage s, clamped to the last rank; stages past
// the available ranks are empty. Other modes have no stages.
func Plan(cfg *config.RunConfig) []model.AttackStage {
	switch cfg.Mode {
	case model.ModeSimulateBias:
		return []model.AttackStage{{
			Index:       1,
			FirstRank:   0,
			LastRank:    0,
			BiasBatches: cfg.AttackBatches,
			Delay:       cfg.BiasDelay,
		}}
	case model.ModeSimulateMultistage:
		last := cfg.Processes - 1
		stages := make([]model.AttackStage, 0, cfg.NumStages)
		for s := 1; s <= cfg.NumStages; s++ {
			stages = append(stages, model.AttackStage{
				Index:       s,
				FirstRank:   (s-1)*cfg.StepSize + 1,
				LastRank:    min(s*cfg.StepSize, last),
				BiasBatches: cfg.AttackBatches,
				Delay:       cfg.BiasDelay,
			})
		}
		return stages
	}
	return nil
}

// PostAttackTime is the logical time of the evaluation taken once the attack
// has finished: the attack batch count for a single-bias attack and the stage
// count for a multi-stage attack.
func PostAttackTime(cfg *config.RunConfig) int {
	if cfg.Mode == model.ModeSimulateMultistage {
		return cfg.NumStages
	}
	return cfg.AttackBatches
}
