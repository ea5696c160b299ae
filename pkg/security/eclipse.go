package security

import (
	"sort"

	"go.uber.org/zap"

	"hat_reputation/pkg/data"
)

// Cross-group coverage minimums for a validated claim, in percent of the
// responding weight.
const (
	MinConnectedCoveragePercent   = 30
	MinUnconnectedCoveragePercent = 40
)

// OverlapFlag marks two validators whose peer sets mostly coincide.
type OverlapFlag struct {
	A              data.Account `json:"a"`
	B              data.Account `json:"b"`
	OverlapPercent int          `json:"overlap_percent"`
}

// EclipseDetector checks validator network topology for collusion.
type EclipseDetector struct {
	maxOverlapPercent int
	logger            *zap.Logger
}

func NewEclipseDetector(maxOverlapPercent int, logger *zap.Logger) *EclipseDetector {
	return &EclipseDetector{
		maxOverlapPercent: maxOverlapPercent,
		logger:            logger.Named("eclipse"),
	}
}

// CheckPeerOverlap flags every pair whose shared peers exceed the limit,
// measured against the smaller peer set. Pairs are ordered by address.
func (d *EclipseDetector) CheckPeerOverlap(validators []data.ValidatorInfo) []OverlapFlag {
	sorted := append([]data.ValidatorInfo(nil), validators...)
	sortValidators(sorted)

	var flags []OverlapFlag
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			pct := data.PeerOverlapPercent(sorted[i].PeerSet, sorted[j].PeerSet)
			if pct > d.maxOverlapPercent {
				flags = append(flags, OverlapFlag{A: sorted[i].Address, B: sorted[j].Address, OverlapPercent: pct})
			}
		}
	}
	if len(flags) > 0 {
		d.logger.Warn("Validator peer sets overlap", zap.Int("pairs", len(flags)))
	}
	return flags
}

// Coverage is each group's share of the responding weight.
func Coverage(t data.Tally) (connected, unconnected data.Fixed) {
	total := t.ConnectedWeight + t.UnconnectedWeight
	if total <= 0 {
		return data.Zero, data.Zero
	}
	return t.ConnectedWeight.Div(total), t.UnconnectedWeight.Div(total)
}

// CoverageMet applies the cross-group minimums. The unconnected minimum only
// binds when the committee included unconnected members.
func CoverageMet(t data.Tally) bool {
	total := t.ConnectedWeight + t.UnconnectedWeight
	if total <= 0 {
		return false
	}
	if t.ConnectedWeight*100 < total*MinConnectedCoveragePercent {
		return false
	}
	if t.UnconnectedSelected && t.UnconnectedWeight*100 < total*MinUnconnectedCoveragePercent {
		return false
	}
	return true
}

func sortValidators(vs []data.ValidatorInfo) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Address.Less(vs[j].Address) })
}
