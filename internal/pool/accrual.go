package pool

import (
	fpmath "CoverLedger/internal/math"

	"github.com/holiman/uint256"
)

// accrueGlobal integrates reserves over time since the last global accrual.
// A now at or before the last accrual is a no-op.
func (r *Registry) accrueGlobal(now uint32) error {
	s := &r.state
	if now <= s.LastUpdatedTPS {
		return nil
	}

	tps, err := integrate(s.TotalProtectionSeconds, s.Reserves, now-s.LastUpdatedTPS)
	if err != nil {
		return fromMath(err)
	}
	s.TotalProtectionSeconds = tps
	s.LastUpdatedTPS = now
	return nil
}

// accrueProvider integrates p's shares over time, then accrues globally.
// The two accumulators always move together.
func (r *Registry) accrueProvider(p *ProviderAccount, now uint32) error {
	if now > p.LastUpdate {
		ts, err := integrate(p.TokenSeconds, p.Shares, now-p.LastUpdate)
		if err != nil {
			return fromMath(err)
		}
		p.TokenSeconds = ts
		p.LastUpdate = now
	}
	return r.accrueGlobal(now)
}

// integrate returns acc + balance*elapsed.
func integrate(acc, balance *uint256.Int, elapsed uint32) (*uint256.Int, error) {
	inc, err := fpmath.CheckedMul(balance, uint256.NewInt(uint64(elapsed)))
	if err != nil {
		return nil, err
	}
	return fpmath.CheckedAdd(acc, inc)
}
