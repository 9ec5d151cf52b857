package engine

import (
	"fmt"
	"time"

	"guardline/internal/catalog"
	"guardline/internal/domain"
	"guardline/internal/metrics"
)

// ViewGroup is one group of a catalog view with its breakdown.
type ViewGroup struct {
	Key       string           `json:"key"`
	Count     int              `json:"count"`
	Breakdown []catalog.Bucket `json:"breakdown"`
	Records   []any            `json:"records"`
}

// ViewResult is the response to a catalog view request.
type ViewResult struct {
	Kind           domain.Kind `json:"kind"`
	Total          int         `json:"total"`
	Matched        int         `json:"matched"`
	BreakdownField string      `json:"breakdown_field"`
	Groups         []ViewGroup `json:"groups"`
}

var connectionStatuses = []string{domain.Connected, domain.NotConnected}

// View runs q against the catalog of the given kind. An empty range falls
// back to the configured default.
func (e *Engine) View(kind domain.Kind, q catalog.Query) (ViewResult, error) {
	start := time.Now()
	defer func() {
		metrics.CatalogViewDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()
	if q.Range == "" {
		q.Range = e.Config.Catalog.DefaultRange
	}
	f, s, g, err := q.Specs(e.now())
	if err != nil {
		return ViewResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	switch kind {
	case domain.KindAction:
		return buildView(kind, e.Actions(), f, s, g, "risk_level", domain.RiskLevels), nil
	case domain.KindIdentity:
		return buildView(kind, e.Identities(), f, s, g, "risk_level", domain.RiskLevels), nil
	case domain.KindPolicy:
		return buildView(kind, e.Policies(), f, s, g, "risk_level", domain.RiskLevels), nil
	case domain.KindConnector:
		return buildView(kind, e.Store.AllConnectors(), f, s, g, "connection_status", connectionStatuses), nil
	}
	return ViewResult{}, fmt.Errorf("%w: unknown catalog kind %q", ErrInvalidInput, kind)
}

func buildView[R catalog.Record](kind domain.Kind, records []R, f catalog.FilterSpec, s catalog.SortSpec, g catalog.GroupSpec, field string, keys []string) ViewResult {
	res := ViewResult{Kind: kind, Total: len(records), BreakdownField: field, Groups: []ViewGroup{}}
	for _, grp := range catalog.View(records, f, s, g) {
		vg := ViewGroup{
			Key:       grp.Key,
			Count:     len(grp.Records),
			Breakdown: catalog.Distribution(grp.Records, field, keys),
			Records:   make([]any, len(grp.Records)),
		}
		for i, r := range grp.Records {
			vg.Records[i] = r
		}
		res.Matched += vg.Count
		res.Groups = append(res.Groups, vg)
	}
	return res
}
