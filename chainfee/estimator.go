package chainfee

// Estimator provides fee rates for transactions the hub builds.
type Estimator interface {
	// EstimateFeePerKW returns the fee rate for confirmation within
	// numBlocks blocks.
	EstimateFeePerKW(numBlocks uint32) (SatPerKWeight, error)

	// RelayFeePerKW returns the minimum relay fee rate. It is the basis
	// for dust limits.
	RelayFeePerKW() SatPerKWeight
}

// StaticEstimator returns the same fee rate for every request.
type StaticEstimator struct {
	feePerKW SatPerKWeight
	relayFee SatPerKWeight
}

// NewStaticEstimator returns a new static fee estimator instance.
func NewStaticEstimator(feePerKW, relayFee SatPerKWeight) *StaticEstimator {
	return &StaticEstimator{
		feePerKW: feePerKW,
		relayFee: relayFee,
	}
}

// EstimateFeePerKW returns the static rate.
//
// NOTE: This method is part of the Estimator interface.
func (e *StaticEstimator) EstimateFeePerKW(uint32) (SatPerKWeight, error) {
	return e.feePerKW, nil
}

// RelayFeePerKW returns the static relay rate.
//
// NOTE: This method is part of the Estimator interface.
func (e *StaticEstimator) RelayFeePerKW() SatPerKWeight {
	return e.relayFee
}

// SourceFunc queries a backend for a fee rate in sat/kvb. A zero rate means
// the backend had no estimate.
type SourceFunc func(confTarget uint32) (SatPerKVByte, error)

// SourceEstimator converts rates from a backend query into sat/kw, applies a
// floor and falls back to a configured rate when the backend fails.
type SourceEstimator struct {
	source   SourceFunc
	fallback SatPerKWeight
	floor    SatPerKWeight
}

// NewSourceEstimator returns an estimator backed by source.
func NewSourceEstimator(source SourceFunc,
	fallback SatPerKWeight) *SourceEstimator {

	return &SourceEstimator{
		source:   source,
		fallback: fallback,
		floor:    FeePerKwFloor,
	}
}

// EstimateFeePerKW queries the backend.
//
// NOTE: This method is part of the Estimator interface.
func (e *SourceEstimator) EstimateFeePerKW(
	numBlocks uint32) (SatPerKWeight, error) {

	satPerKB, err := e.source(numBlocks)
	switch {
	case err != nil:
		log.Errorf("unable to query estimator: %v", err)
		fallthrough

	case satPerKB == 0:
		return e.fallback, nil
	}

	satPerKw := satPerKB.FeePerKWeight()
	if satPerKw < e.floor {
		log.Debugf("Estimated fee rate of %v is too low, using fee "+
			"floor of %v instead", satPerKw, e.floor)

		satPerKw = e.floor
	}

	return satPerKw, nil
}

// RelayFeePerKW returns the floor.
//
// NOTE: This method is part of the Estimator interface.
func (e *SourceEstimator) RelayFeePerKW() SatPerKWeight {
	return e.floor
}

// Compile-time checks.
var (
	_ Estimator = (*StaticEstimator)(nil)
	_ Estimator = (*SourceEstimator)(nil)
)
