// Package coinselect picks the unspent outputs that cover a target amount of
// a single asset.
package coinselect

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/colorhub/hubd/colored"
)

// DefaultTrials is the number of random passes tried before giving up on
// finding a smaller overshoot.
const DefaultTrials = 1000

// ErrInsufficientFunds is returned when the coins together do not cover the
// target.
type ErrInsufficientFunds struct {
	Available uint64
	Required  uint64
}

// Error returns a human-readable string describing the error.
func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("not enough coins to cover %d, only have %d "+
		"available", e.Required, e.Available)
}

// ErrNoSelection is returned when a random pass ended below the target.
type ErrNoSelection struct {
	Trial int
}

// Error returns a human-readable string describing the error.
func (e *ErrNoSelection) Error() string {
	return fmt.Sprintf("random pass %d ended below target", e.Trial)
}

// Option alters a Selector.
type Option func(*Selector)

// WithSeed makes the random passes deterministic.
func WithSeed(seed int64) Option {
	return func(s *Selector) {
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// WithTrials overrides DefaultTrials.
func WithTrials(trials int) Option {
	return func(s *Selector) {
		s.trials = trials
	}
}

// Selector holds the random source of one selection. It is not safe for
// concurrent use, so callers build one per selection through Select.
type Selector struct {
	rng    *rand.Rand
	trials int
}

// Select returns a subset of coins whose amounts cover target. Coins are
// compared by colored.Coin.Amount, so all coins must carry the same asset.
//
// The rules are applied in order:
//  1. a single coin matching target exactly,
//  2. the smallest coins in ascending order if they add up to target
//     exactly,
//  3. the smallest single coin above target when the coins below target do
//     not reach it,
//  4. the best of a number of random greedy passes, that is the one with the
//     least overshoot.
func Select(coins []colored.Coin, target uint64,
	opts ...Option) ([]colored.Coin, error) {

	s := &Selector{trials: DefaultTrials}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var total uint64
	for i := range coins {
		total += coins[i].Amount()
	}
	if total < target {
		return nil, &ErrInsufficientFunds{
			Available: total,
			Required:  target,
		}
	}

	// Exact single coin.
	for i := range coins {
		if coins[i].Amount() == target {
			return []colored.Coin{coins[i]}, nil
		}
	}

	sorted := make([]colored.Coin, len(coins))
	copy(sorted, coins)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Amount() < sorted[j].Amount()
	})

	// Ascending accumulation landing exactly on target.
	var (
		sum      uint64
		smallSum uint64
		bigger   *colored.Coin
	)
	for i := range sorted {
		amt := sorted[i].Amount()
		if sum < target {
			sum += amt
			if sum == target {
				return cloneCoins(sorted[:i+1]), nil
			}
		}

		switch {
		case amt < target:
			smallSum += amt

		case bigger == nil:
			bigger = &sorted[i]
		}
	}

	// Smallest sufficient single coin.
	if bigger != nil && smallSum < target {
		return []colored.Coin{*bigger}, nil
	}

	return s.randomPasses(coins, target)
}

// randomPasses shuffles the coins and greedily accumulates them, keeping the
// pass with the smallest total that reaches target. A pass that ends below
// target fails the whole selection at once.
func (s *Selector) randomPasses(coins []colored.Coin,
	target uint64) ([]colored.Coin, error) {

	var (
		best      []colored.Coin
		bestTotal uint64
	)

	shuffled := make([]colored.Coin, len(coins))
	for trial := 0; trial < s.trials; trial++ {
		copy(shuffled, coins)
		s.rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		var (
			sum uint64
			n   int
		)
		for n < len(shuffled) && sum < target {
			sum += shuffled[n].Amount()
			n++
		}
		if sum < target {
			return nil, &ErrNoSelection{Trial: trial}
		}

		if best == nil || sum < bestTotal {
			best = cloneCoins(shuffled[:n])
			bestTotal = sum
			if sum == target {
				break
			}
		}
	}

	return best, nil
}

func cloneCoins(coins []colored.Coin) []colored.Coin {
	out := make([]colored.Coin, len(coins))
	copy(out, coins)

	return out
}
