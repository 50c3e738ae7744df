package cashier

// FeeEstimator returns the fee in sompi for a transaction with the given
// number of inputs and outputs.
type FeeEstimator interface {
	Estimate(inputs, outputs int) uint64
}

// LinearFee approximates kaspa's mass based minimum fee. Each input carries a
// schnorr signature script, which dominates the mass of a payout transaction.
type LinearFee struct {
	Base      uint64
	PerInput  uint64
	PerOutput uint64
}

func (f LinearFee) Estimate(inputs, outputs int) uint64 {
	return f.Base + f.PerInput*uint64(inputs) + f.PerOutput*uint64(outputs)
}

const DefaultDustFloor = 20000 // sompi

var DefaultFees = LinearFee{Base: 1000, PerInput: 1200, PerOutput: 400}
