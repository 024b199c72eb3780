package utils

import (
	"math/rand"

	"coldreach/models"
)

// randIntn is swapped in tests for deterministic draws
var randIntn = rand.Intn

// PickVariant draws a variant with probability proportional to its weight.
// Returns nil only for an empty slice; any degenerate weights fall back to
// the first variant.
func PickVariant(variants []models.StepVariant) *models.StepVariant {
	if len(variants) == 0 {
		return nil
	}

	total := 0
	for _, v := range variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total <= 0 {
		return &variants[0]
	}

	r := randIntn(total)
	for i := range variants {
		if variants[i].Weight <= 0 {
			continue
		}
		r -= variants[i].Weight
		if r < 0 {
			return &variants[i]
		}
	}
	return &variants[0]
}

// PickAccount chooses uniformly among accounts that still have daily
// capacity. Returns nil when every account is exhausted.
func PickAccount(accounts []models.EmailAccount) *models.EmailAccount {
	eligible := make([]*models.EmailAccount, 0, len(accounts))
	for i := range accounts {
		if accounts[i].HasCapacity() {
			eligible = append(eligible, &accounts[i])
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[randIntn(len(eligible))]
}
