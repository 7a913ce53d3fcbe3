package fit

// Prior is an optional per-source Gaussian amplitude prior, indexed like the
// position list handed to Amplitudes.
type Prior struct {
	Amp  []float64
	IVar []float64
}

// BuildPrior turns amplitudes with uncertainties from an earlier fit into a
// prior for a new one. Variability inflates the assumed scatter, weakening
// the prior for sources known to vary; entries without a valid uncertainty
// get a negligible minIvar.
func BuildPrior(amps, damps []float64, variability, minIvar float64) *Prior {
	n := len(amps)
	p := &Prior{Amp: append([]float64(nil), amps...), IVar: make([]float64, n)}
	for i := 0; i < n; i++ {
		if damps[i] > 0 {
			v := amps[i] * variability
			p.IVar[i] = 1 / (damps[i]*damps[i] + v*v)
		} else {
			p.IVar[i] = minIvar
		}
	}
	return p
}
