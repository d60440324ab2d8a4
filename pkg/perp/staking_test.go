package perp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStakingRewardsBeforeAnyStaker(t *testing.T) {
	pool := &StakingPool{}

	// Rewards with nothing staked are retained, not distributed.
	require.NoError(t, pool.AddRewards(1000))
	assert.Equal(t, uint64(1000), pool.RewardTotal)
	assert.Zero(t, pool.AccumulateRewardPerShare)
}

func TestStakingSingleStaker(t *testing.T) {
	pool := &StakingPool{}
	alice := &UserStake{}

	require.NoError(t, alice.EnterStaking(pool, 5000))
	assert.Equal(t, uint64(5000), pool.StakedTotal)

	require.NoError(t, pool.AddRewards(1000))

	pending, err := alice.PendingReward(pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), pending)

	claimed, err := alice.WithdrawReward(pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), claimed)
	assert.Zero(t, pool.RewardTotal)

	// Nothing left to claim afterwards.
	pending, err = alice.PendingReward(pool)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestStakingProRataSplit(t *testing.T) {
	pool := &StakingPool{}
	alice := &UserStake{}
	bob := &UserStake{}

	require.NoError(t, alice.EnterStaking(pool, 3000))
	require.NoError(t, bob.EnterStaking(pool, 1000))
	require.NoError(t, pool.AddRewards(4000))

	pa, err := alice.PendingReward(pool)
	require.NoError(t, err)
	pb, err := bob.PendingReward(pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), pa)
	assert.Equal(t, uint64(1000), pb)
}

func TestStakingLateEntrantEarnsNothingRetroactively(t *testing.T) {
	pool := &StakingPool{}
	alice := &UserStake{}
	bob := &UserStake{}

	require.NoError(t, alice.EnterStaking(pool, 1000))
	require.NoError(t, pool.AddRewards(500))

	// Bob joins after the reward landed; his debt checkpoint excludes it.
	require.NoError(t, bob.EnterStaking(pool, 1000))
	pb, err := bob.PendingReward(pool)
	require.NoError(t, err)
	assert.Zero(t, pb)

	require.NoError(t, pool.AddRewards(1000))
	pa, err := alice.PendingReward(pool)
	require.NoError(t, err)
	pb, err = bob.PendingReward(pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), pa)
	assert.Equal(t, uint64(500), pb)
}

func TestStakingLeaveHarvestsFirst(t *testing.T) {
	pool := &StakingPool{}
	alice := &UserStake{}

	require.NoError(t, alice.EnterStaking(pool, 2000))
	require.NoError(t, pool.AddRewards(600))

	require.NoError(t, alice.LeaveStaking(pool, 2000))
	assert.Zero(t, pool.StakedTotal)
	assert.Zero(t, alice.Staked)

	// The harvested reward survives the exit and remains claimable.
	pending, err := alice.PendingReward(pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), pending)

	claimed, err := alice.WithdrawReward(pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), claimed)
}

func TestStakingLeaveMoreThanStaked(t *testing.T) {
	pool := &StakingPool{}
	alice := &UserStake{}
	require.NoError(t, alice.EnterStaking(pool, 100))
	err := alice.LeaveStaking(pool, 101)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestStakingZeroAmounts(t *testing.T) {
	pool := &StakingPool{}
	alice := &UserStake{}
	assert.ErrorIs(t, alice.EnterStaking(pool, 0), ErrInvalidAmount)
	assert.ErrorIs(t, alice.LeaveStaking(pool, 0), ErrInvalidAmount)
}

func TestStakingRewardTotalConserved(t *testing.T) {
	pool := &StakingPool{}
	alice := &UserStake{}
	bob := &UserStake{}

	require.NoError(t, alice.EnterStaking(pool, 7777))
	require.NoError(t, bob.EnterStaking(pool, 3333))
	require.NoError(t, pool.AddRewards(999_999))

	ca, err := alice.WithdrawReward(pool)
	require.NoError(t, err)
	cb, err := bob.WithdrawReward(pool)
	require.NoError(t, err)

	// Rounding dust stays in the pool, never over-pays.
	assert.LessOrEqual(t, ca+cb, uint64(999_999))
	assert.Equal(t, uint64(999_999)-ca-cb, pool.RewardTotal)
}
