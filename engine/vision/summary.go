package vision

import (
	"fmt"

	"github.com/minesafe/whs-rag/engine/domain"
)

// Summarize counts detections per accepted label, zero-filling absent
// labels. Risk is elevated when any violation label is present and
// unknown otherwise.
func Summarize(detections []domain.Detection) domain.HazardSummary {
	counts := make(map[domain.Label]int, len(domain.Labels))
	for _, l := range domain.Labels {
		counts[l] = 0
	}
	for _, d := range detections {
		if d.Label.Valid() {
			counts[d.Label]++
		}
	}
	s := domain.HazardSummary{Counts: counts, RiskLevel: domain.RiskUnknown}
	if s.Violations() > 0 {
		s.RiskLevel = domain.RiskElevated
	}
	return s
}

// BuildQuery turns a summary into the retrieval question for the answer
// pipeline. It is a fixed template.
func BuildQuery(s domain.HazardSummary) string {
	return fmt.Sprintf("You are given a mining site photo PPE analysis.\n%s\n\n"+
		"Treat 'helmet' as safety helmet, 'vest' as high-visibility vest, and 'boots' as safety boots.\n"+
		"Provide a short WHS checklist (3–7 bullets) of practical controls to manage PPE compliance "+
		"for mining operations, including supervision, training, access control, and stop-work/escalation "+
		"when critical PPE is missing. Cite sources using [1], [2] from the provided context.", s)
}
