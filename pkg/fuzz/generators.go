// Package fuzz generates adversarial scenario documents from seeded
// pseudo-randomness and drives them through the step interpreter. A
// seed fully determines the generated document, so every fuzz run is
// reproducible from its recorded seed.
package fuzz

import (
	"fmt"
	"math/rand"

	"github.com/veriwork/sandlab/pkg/scenario"
	"github.com/veriwork/sandlab/pkg/store"
)

// ErrUnknownAttack is returned for an attack type outside the closed set.
type ErrUnknownAttack struct {
	AttackType store.AttackType
}

func (e *ErrUnknownAttack) Error() string {
	return fmt.Sprintf("unknown attack type: %s", e.AttackType)
}

// Generate builds the scenario document for one attack archetype. The
// same (attack, seed, mode) triple always yields an identical document.
func Generate(attack store.AttackType, seed int64, mode scenario.Mode) (*scenario.Document, error) {
	rng := rand.New(rand.NewSource(seed))

	var steps []scenario.Step
	switch attack {
	case store.AttackBoostRings:
		steps = boostRingSteps(rng)
	case store.AttackRetaliation:
		steps = retaliationSteps(rng)
	case store.AttackOscillation:
		steps = oscillationSteps(rng)
	case store.AttackImpersonationSpam:
		steps = impersonationSpamSteps(rng)
	default:
		return nil, &ErrUnknownAttack{AttackType: attack}
	}

	return &scenario.Document{
		ID:    fmt.Sprintf("fuzz-%s-%d", attack, seed),
		Mode:  mode,
		Steps: steps,
	}, nil
}

func role(i int) scenario.Role {
	return scenario.Role(fmt.Sprintf("employee_%d", i))
}

var praiseComments = []string{
	"outstanding collaborator",
	"absolute pleasure to work with",
	"best engineer on the team",
	"exceptional delivery every sprint",
}

var negativeComments = []string{
	"unreliable and hard to work with",
	"missed every deadline",
	"took credit for others work",
}

// boostRingSteps builds a closed cycle of mutual favorable reviews. A
// ring of three or four actors each praising the next around the cycle
// produces reciprocal pairs once the return reviews land.
func boostRingSteps(rng *rand.Rand) []scenario.Step {
	n := 3 + rng.Intn(2)

	var steps []scenario.Step
	for i := 1; i <= n; i++ {
		next := i%n + 1
		steps = append(steps, reviewStep(role(i), role(next), 4+rng.Intn(2), praiseComments[rng.Intn(len(praiseComments))]))
		steps = append(steps, reviewStep(role(next), role(i), 4+rng.Intn(2), praiseComments[rng.Intn(len(praiseComments))]))
		if rng.Intn(2) == 0 {
			steps = append(steps, advanceStep(role(i), 15+int64(rng.Intn(30))))
		}
	}
	return steps
}

// retaliationSteps has one actor leave a negative review and the target
// fire back within the retaliation window.
func retaliationSteps(rng *rand.Rand) []scenario.Step {
	rounds := 1 + rng.Intn(2)

	var steps []scenario.Step
	for i := 0; i < rounds; i++ {
		steps = append(steps, reviewStep(role(1), role(2), 1+rng.Intn(2), negativeComments[rng.Intn(len(negativeComments))]))
		steps = append(steps, advanceStep(role(2), 30+int64(rng.Intn(90))))
		steps = append(steps, reviewStep(role(2), role(1), 1+rng.Intn(2), negativeComments[rng.Intn(len(negativeComments))]))
		if i < rounds-1 {
			steps = append(steps, advanceStep(role(1), 400+int64(rng.Intn(120))))
		}
	}
	return steps
}

// oscillationSteps claims an overlap and then flip-flops it: retract,
// re-claim, retract, until the flip count crosses the detector threshold.
func oscillationSteps(rng *rand.Rand) []scenario.Step {
	company := fmt.Sprintf("Vandelay-%d", rng.Intn(100))
	flips := 3 + rng.Intn(2)

	steps := []scenario.Step{
		{Actor: role(1), Action: scenario.Action{Kind: scenario.ActionClaimOverlap, Overlap: &scenario.OverlapParams{With: role(2), Company: company, Months: 1 + rng.Intn(24)}}},
	}
	for i := 0; i < flips; i++ {
		steps = append(steps, scenario.Step{
			Actor:  role(1),
			Action: scenario.Action{Kind: scenario.ActionRetract, Retract: &scenario.RetractParams{Target: role(2), Subject: "overlap"}},
		})
		steps = append(steps, scenario.Step{
			Actor:  role(1),
			Action: scenario.Action{Kind: scenario.ActionClaimOverlap, Overlap: &scenario.OverlapParams{With: role(2), Company: company, Months: 1 + rng.Intn(24)}}},
		)
		if rng.Intn(3) == 0 {
			steps = append(steps, advanceStep(role(2), 20+int64(rng.Intn(40))))
		}
	}
	return steps
}

// impersonationSpamSteps converges a burst of near-duplicate reviews on
// one target from distinct reviewers inside the duplicate window. The
// comments differ only by digits, which the detector normalizes away.
func impersonationSpamSteps(rng *rand.Rand) []scenario.Step {
	reviewers := 5 + rng.Intn(3)
	rating := 4 + rng.Intn(2)
	template := praiseComments[rng.Intn(len(praiseComments))]

	var steps []scenario.Step
	for i := 0; i < reviewers; i++ {
		comment := fmt.Sprintf("%s %d", template, rng.Intn(1000))
		steps = append(steps, reviewStep(role(i+2), role(1), rating, comment))
	}
	return steps
}

func reviewStep(actor, target scenario.Role, rating int, comment string) scenario.Step {
	return scenario.Step{
		Actor: actor,
		Action: scenario.Action{
			Kind:   scenario.ActionSubmitReview,
			Review: &scenario.ReviewParams{Target: target, Rating: rating, Comment: comment},
		},
	}
}

func advanceStep(actor scenario.Role, seconds int64) scenario.Step {
	return scenario.Step{
		Actor: actor,
		Action: scenario.Action{
			Kind:    scenario.ActionAdvanceTime,
			Advance: &scenario.AdvanceParams{Seconds: seconds},
		},
	}
}
