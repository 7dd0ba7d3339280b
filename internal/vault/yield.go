package vault

// Yield components in basis points.
const (
	BaseYieldBps      uint64 = 300
	maxVolumeBonusBps uint64 = 600
	maxLoyaltyBonus   uint64 = 300
	// MaxYieldBps caps the combined rate at 12% APY.
	MaxYieldBps uint64 = 1_200

	// volumeBonusFullUSD is the monthly volume earning the full volume
	// bonus: $1M in micro-USD.
	volumeBonusFullUSD uint64 = 1_000_000_000_000
	loyaltyFullDays           = 365
)

// Tier thresholds. A tier requires BOTH the volume and the age floor.
const (
	silverVolumeUSD   uint64 = 10_000_000_000  // $10k/month
	goldVolumeUSD     uint64 = 50_000_000_000  // $50k/month
	platinumVolumeUSD uint64 = 200_000_000_000 // $200k/month

	silverDays   int64 = 90
	goldDays     int64 = 180
	platinumDays int64 = 365
)

// Tier ranks a merchant by volume and deposit age.
type Tier int

const (
	TierBronze Tier = iota
	TierSilver
	TierGold
	TierPlatinum
)

func (t Tier) String() string {
	switch t {
	case TierSilver:
		return "Silver"
	case TierGold:
		return "Gold"
	case TierPlatinum:
		return "Platinum"
	default:
		return "Bronze"
	}
}

// DynamicYieldBps computes the current APY in basis points: base 3%, up to
// 6% more scaling linearly with monthly volume to $1M, up to 3% more scaling
// linearly with deposit age to a year, capped at 12%.
func DynamicYieldBps(monthVolumeUSD uint64, daysDeposited int64) uint64 {
	volumeBonus := maxVolumeBonusBps
	if monthVolumeUSD < volumeBonusFullUSD {
		volumeBonus = monthVolumeUSD * maxVolumeBonusBps / volumeBonusFullUSD
	}

	var loyaltyBonus uint64
	switch {
	case daysDeposited >= loyaltyFullDays:
		loyaltyBonus = maxLoyaltyBonus
	case daysDeposited > 0:
		loyaltyBonus = uint64(daysDeposited) * maxLoyaltyBonus / loyaltyFullDays
	}

	total := BaseYieldBps + volumeBonus + loyaltyBonus
	if total > MaxYieldBps {
		total = MaxYieldBps
	}
	return total
}

// MerchantTier ranks the deposit. Both thresholds of a tier must be met.
func MerchantTier(monthVolumeUSD uint64, daysDeposited int64) Tier {
	switch {
	case monthVolumeUSD >= platinumVolumeUSD && daysDeposited >= platinumDays:
		return TierPlatinum
	case monthVolumeUSD >= goldVolumeUSD && daysDeposited >= goldDays:
		return TierGold
	case monthVolumeUSD >= silverVolumeUSD && daysDeposited >= silverDays:
		return TierSilver
	default:
		return TierBronze
	}
}

// AccruedRewards computes rewards for a deposit held daysDeposited days at
// yieldBps. The accrual is daily: the annual reward is floored, divided into
// 365 daily slices, and multiplied out, so partial days never pay.
func AccruedRewards(deposited, yieldBps uint64, daysDeposited int64) uint64 {
	if daysDeposited <= 0 {
		return 0
	}
	annual := deposited * yieldBps / 10_000
	daily := annual / 365
	return daily * uint64(daysDeposited)
}

// MerchantShare applies the 80% reward share.
func MerchantShare(rewards uint64) uint64 {
	return rewards * RewardShareBps / 10_000
}
