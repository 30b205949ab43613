// Package converge scores candidate agreement across independently executed
// playbook runs. It only reads RunRecords; extraction of candidates from a
// run's outputs is playbook-specific and supplied by the caller.
package converge

import (
	"sort"
	"strings"

	"github.com/converge-bio/converge-go/internal/domain"
)

// Candidate is one drug/target identifier surfaced by a run, with the
// qualitative evidence tags that run contributes.
type Candidate struct {
	Key  string
	Tags []string
}

// CandidateExtractor maps one completed or partial run record to the
// candidates it surfaced.
type CandidateExtractor func(record *domain.RunRecord) []Candidate

// Analyze computes per-candidate convergence evidence across run records.
// The tier rule is fixed and monotonic:
//
//	high   — supported by >= 2 distinct playbooks AND tags from both the
//	         genetic and mechanistic categories are present;
//	medium — supported by >= 2 distinct playbooks OR at least one tag maps
//	         to a known category;
//	low    — otherwise.
//
// Output order is deterministic: tier rank, then supporting-playbook count,
// then candidate key, so identical inputs always produce identical output.
func Analyze(records []*domain.RunRecord, extract CandidateExtractor) []domain.CandidateEvidence {
	if extract == nil {
		return nil
	}

	type accumulator struct {
		playbooks map[string]struct{}
		tags      map[string]struct{}
	}
	byKey := make(map[string]*accumulator)

	for _, record := range records {
		if record == nil {
			continue
		}
		for _, candidate := range extract(record) {
			key := strings.TrimSpace(candidate.Key)
			if key == "" {
				continue
			}
			acc, ok := byKey[key]
			if !ok {
				acc = &accumulator{
					playbooks: map[string]struct{}{},
					tags:      map[string]struct{}{},
				}
				byKey[key] = acc
			}
			acc.playbooks[record.PlaybookID] = struct{}{}
			for _, tag := range candidate.Tags {
				tag = strings.TrimSpace(tag)
				if tag != "" {
					acc.tags[tag] = struct{}{}
				}
			}
		}
	}

	out := make([]domain.CandidateEvidence, 0, len(byKey))
	for key, acc := range byKey {
		playbooks := setToSorted(acc.playbooks)
		tags := setToSorted(acc.tags)
		out = append(out, domain.CandidateEvidence{
			CandidateKey:        key,
			SupportingPlaybooks: playbooks,
			EvidenceTags:        tags,
			Tier:                tier(len(playbooks), tags),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() > b.Tier.Rank()
		}
		if len(a.SupportingPlaybooks) != len(b.SupportingPlaybooks) {
			return len(a.SupportingPlaybooks) > len(b.SupportingPlaybooks)
		}
		return a.CandidateKey < b.CandidateKey
	})
	return out
}

func tier(playbookCount int, tags []string) domain.ConfidenceTier {
	categories := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if category := domain.TagCategory(tag); category != "" {
			categories[category] = struct{}{}
		}
	}

	_, genetic := categories[domain.CategoryGenetic]
	_, mechanistic := categories[domain.CategoryMechanistic]
	if playbookCount >= 2 && genetic && mechanistic {
		return domain.TierHigh
	}
	if playbookCount >= 2 || len(categories) > 0 {
		return domain.TierMedium
	}
	return domain.TierLow
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for item := range set {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
