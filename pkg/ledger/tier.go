package ledger

import (
	"context"
	"time"
)

// Tier is the loyalty tier derived from lifetime spend.
type Tier string

const (
	TierStarter  Tier = "starter"
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

type tierThreshold struct {
	tier    Tier
	minimum Coins
}

// Ordered from the highest threshold down.
var tierThresholds = []tierThreshold{
	{tier: TierDiamond, minimum: 100000},
	{tier: TierPlatinum, minimum: 50000},
	{tier: TierGold, minimum: 20000},
	{tier: TierSilver, minimum: 5000},
	{tier: TierBronze, minimum: 1000},
}

// ClassifyTier maps lifetime spend to a tier.
func ClassifyTier(lifetimeSpend Coins) Tier {
	for _, threshold := range tierThresholds {
		if lifetimeSpend >= threshold.minimum {
			return threshold.tier
		}
	}
	return TierStarter
}

func (service *Service) recordSpend(ctx context.Context, txStore Store, userID UserID, spent Coins, now time.Time) error {
	profile, err := txStore.GetSpendProfile(ctx, userID)
	if err != nil {
		return err
	}
	profile.UserID = userID
	profile.LifetimeSpend += spent
	profile.Tier = ClassifyTier(profile.LifetimeSpend)
	return txStore.SaveSpendProfile(ctx, profile, now)
}
