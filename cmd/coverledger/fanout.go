package main

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
)

// fanOut copies each projection-bound output to every destination without
// blocking the core; a full destination drops the output. The outputs are
// closed once the input closes.
func fanOut(in <-chan core.CoreOutput, metrics *observability.Metrics, outs map[string]chan core.CoreOutput) {
	defer func() {
		for _, ch := range outs {
			close(ch)
		}
	}()

	for output := range in {
		for name, ch := range outs {
			select {
			case ch <- output:
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues(name).Inc()
				}
			}
		}
	}
}
