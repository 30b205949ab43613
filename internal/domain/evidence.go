package domain

import "strings"

// ConfidenceTier ranks the strength of convergent evidence for a candidate.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "high"
	TierMedium ConfidenceTier = "medium"
	TierLow    ConfidenceTier = "low"
)

// Rank orders tiers for sorting; higher is stronger.
func (t ConfidenceTier) Rank() int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// Evidence categories used by the tier rule. Tags outside these categories
// form the default (uncategorized) bucket and never lift a tier on their own.
const (
	CategoryGenetic     = "genetic"
	CategoryMechanistic = "mechanistic"
	CategoryClinical    = "clinical"
)

// TagCategory maps a qualitative evidence tag to its category, or "" when
// the tag is uncategorized. The mapping is fixed: no hidden scoring weights.
func TagCategory(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	switch {
	case tag == CategoryGenetic,
		strings.HasPrefix(tag, "genetic-"),
		strings.HasPrefix(tag, "gwas"),
		strings.HasPrefix(tag, "variant"):
		return CategoryGenetic
	case tag == CategoryMechanistic,
		strings.HasPrefix(tag, "mechanistic-"),
		strings.HasPrefix(tag, "pathway"),
		strings.HasPrefix(tag, "mechanism"),
		strings.HasPrefix(tag, "target"):
		return CategoryMechanistic
	case tag == CategoryClinical,
		strings.HasPrefix(tag, "clinical"),
		strings.HasPrefix(tag, "trial"),
		strings.HasPrefix(tag, "approved"):
		return CategoryClinical
	default:
		return ""
	}
}

// CandidateEvidence is the analyzer's per-candidate summary. Ephemeral:
// computed on demand, never persisted by this core.
type CandidateEvidence struct {
	CandidateKey        string         `json:"candidate_key"`
	SupportingPlaybooks []string       `json:"supporting_playbooks"`
	EvidenceTags        []string       `json:"evidence_tags"`
	Tier                ConfidenceTier `json:"confidence_tier"`
}
