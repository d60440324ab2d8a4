package perp

// StakingPool is the VLP share pool. Shares minted by liquidity deposits are
// staked here, so StakedTotal doubles as the outstanding share supply.
// Rewards distribute by the accumulator pattern: every incoming reward bumps
// AccumulateRewardPerShare, stakers settle against it via their debt
// checkpoint.
type StakingPool struct {
	Mint          Address `json:"mint"`
	Vault         Address `json:"vault"`
	ProgramSigner Address `json:"programSigner"`
	RewardMint    Address `json:"rewardMint"`

	RewardTotal              uint64 `json:"rewardTotal"`
	StakedTotal              uint64 `json:"stakedTotal"`
	AccumulateRewardPerShare uint64 `json:"accumulateRewardPerShare"`

	// RewardAssetIndex designates the asset fee sweeps convert into.
	// NilIndex8 means rewards are not funded yet.
	RewardAssetIndex uint8 `json:"rewardAssetIndex"`
	Decimals         uint8 `json:"decimals"`
	Nonce            uint8 `json:"nonce"`
}

// Init configures the pool record.
func (p *StakingPool) Init(mint, vault, programSigner, rewardMint Address, nonce, decimals, rewardAssetIndex uint8) {
	p.Mint = mint
	p.Vault = vault
	p.ProgramSigner = programSigner
	p.RewardMint = rewardMint
	p.Nonce = nonce
	p.Decimals = decimals
	p.RewardAssetIndex = rewardAssetIndex

	p.RewardTotal = 0
	p.StakedTotal = 0
	p.AccumulateRewardPerShare = 0
}

// AddRewards books reward units into the pool. With nothing staked the
// reward is retained but not distributed.
func (p *StakingPool) AddRewards(reward uint64) error {
	total, err := safeAdd(p.RewardTotal, reward)
	if err != nil {
		return err
	}
	p.RewardTotal = total
	if p.StakedTotal == 0 {
		return nil
	}
	delta, err := mulDiv(reward, RewardSharePow, p.StakedTotal)
	if err != nil {
		return err
	}
	p.AccumulateRewardPerShare, err = safeAdd(p.AccumulateRewardPerShare, delta)
	return err
}

func (p *StakingPool) increaseStaking(amount uint64) error {
	total, err := safeAdd(p.StakedTotal, amount)
	if err != nil {
		return err
	}
	p.StakedTotal = total
	return nil
}

func (p *StakingPool) decreaseStaking(amount uint64) error {
	if amount > p.StakedTotal {
		return ErrInsufficientBalance
	}
	p.StakedTotal -= amount
	return nil
}

func (p *StakingPool) withdrawReward(pending uint64) error {
	if pending > p.RewardTotal {
		return ErrInsufficientBalance
	}
	p.RewardTotal -= pending
	return nil
}

// UserStake is one staker's checkpointed share of a StakingPool.
type UserStake struct {
	Staked            uint64 `json:"staked"`
	RewardDebt        uint64 `json:"rewardDebt"`
	RewardAccumulated uint64 `json:"rewardAccumulated"`
}

// settled returns staked*acc/POW, the staker's cumulative entitlement.
func (s *UserStake) settled(pool *StakingPool) (uint64, error) {
	return mulDiv(s.Staked, pool.AccumulateRewardPerShare, RewardSharePow)
}

// harvest moves any pending reward into RewardAccumulated.
func (s *UserStake) harvest(pool *StakingPool) error {
	entitled, err := s.settled(pool)
	if err != nil {
		return err
	}
	if entitled < s.RewardDebt {
		return ErrOverflow
	}
	pending := entitled - s.RewardDebt
	if pending == 0 {
		return nil
	}
	if err := pool.withdrawReward(pending); err != nil {
		return err
	}
	s.RewardAccumulated, err = safeAdd(s.RewardAccumulated, pending)
	return err
}

// EnterStaking stakes amount, harvesting pending rewards first.
func (s *UserStake) EnterStaking(pool *StakingPool, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if s.Staked > 0 {
		if err := s.harvest(pool); err != nil {
			return err
		}
	}
	if err := pool.increaseStaking(amount); err != nil {
		return err
	}
	var err error
	s.Staked, err = safeAdd(s.Staked, amount)
	if err != nil {
		return err
	}
	s.RewardDebt, err = s.settled(pool)
	return err
}

// LeaveStaking unstakes amount after harvesting pending rewards.
func (s *UserStake) LeaveStaking(pool *StakingPool, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if amount > s.Staked {
		return ErrInsufficientBalance
	}
	if err := s.harvest(pool); err != nil {
		return err
	}
	if err := pool.decreaseStaking(amount); err != nil {
		return err
	}
	s.Staked -= amount
	var err error
	s.RewardDebt, err = s.settled(pool)
	return err
}

// WithdrawReward claims everything harvested plus pending, resetting the
// checkpoint. Returns the claimable amount.
func (s *UserStake) WithdrawReward(pool *StakingPool) (uint64, error) {
	if err := s.harvest(pool); err != nil {
		return 0, err
	}
	claimed := s.RewardAccumulated
	s.RewardAccumulated = 0
	var err error
	s.RewardDebt, err = s.settled(pool)
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// PendingReward reports the currently claimable reward without mutating.
func (s *UserStake) PendingReward(pool *StakingPool) (uint64, error) {
	entitled, err := s.settled(pool)
	if err != nil {
		return 0, err
	}
	if entitled < s.RewardDebt {
		return 0, ErrOverflow
	}
	return s.RewardAccumulated + entitled - s.RewardDebt, nil
}
