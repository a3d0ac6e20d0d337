package service

import (
	"github.com/devrev/matchmaker/internal/model"
)

// Group is a set of requests that can be committed as one match
type Group struct {
	Members []*model.MatchRequest
	Region  string
}

// FormGroups partitions candidates into matchable groups.
//
// Candidates are taken as anchors in the order given (oldest first). Each
// anchor greedily adds the remaining candidate with the best mean score
// against the current members, ties going to the earlier candidate. A
// candidate is eligible only if it scores at least the minimum against
// every member, no pair is a hard reject, and the combined party size fits
// every member's group size range. Groups that never reach their minimum
// size are discarded and their anchor stays available to later groups.
func (s *CompatibilityService) FormGroups(candidates []*model.MatchRequest, gameID string) []Group {
	n := len(candidates)
	if n < 2 {
		return nil
	}

	score := make([][]float64, n)
	rejected := make([][]bool, n)
	for i := range score {
		score[i] = make([]float64, n)
		rejected[i] = make([]bool, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := candidates[i], candidates[j]
			sc := s.CalculateCompatibility(a, b, gameID)
			hard := s.hardReject(a, b)
			score[i][j], score[j][i] = sc, sc
			rejected[i][j], rejected[j][i] = hard, hard
		}
	}

	used := make([]bool, n)
	groups := make([]Group, 0)

	for anchor := 0; anchor < n; anchor++ {
		if used[anchor] {
			continue
		}

		bounds := s.groupBounds(candidates[anchor])
		size := candidates[anchor].PartySize()
		if size > bounds.Max {
			continue
		}
		members := []int{anchor}
		inGroup := map[int]bool{anchor: true}

		for size < bounds.Max {
			best, bestScore := -1, -1.0
			var bestBounds model.GroupSize

			for j := 0; j < n; j++ {
				if used[j] || inGroup[j] {
					continue
				}
				nb, ok := intersectBounds(bounds, s.groupBounds(candidates[j]))
				if !ok || size+candidates[j].PartySize() > nb.Max {
					continue
				}

				total, eligible := 0.0, true
				for _, m := range members {
					if rejected[j][m] || score[j][m] < s.minCompatibility {
						eligible = false
						break
					}
					total += score[j][m]
				}
				if !eligible {
					continue
				}

				if mean := total / float64(len(members)); mean > bestScore {
					best, bestScore, bestBounds = j, mean, nb
				}
			}

			if best < 0 {
				break
			}
			members = append(members, best)
			inGroup[best] = true
			bounds = bestBounds
			size += candidates[best].PartySize()
		}

		if len(members) < 2 || size < bounds.Min {
			continue
		}

		group := Group{Members: make([]*model.MatchRequest, 0, len(members))}
		for _, m := range members {
			used[m] = true
			group.Members = append(group.Members, candidates[m])
		}
		group.Region = resolveGroupRegion(group.Members)
		groups = append(groups, group)
	}

	return groups
}

// hardReject reports pairs that may never share a match regardless of score
func (s *CompatibilityService) hardReject(a, b *model.MatchRequest) bool {
	return a.Criteria.GameMode != b.Criteria.GameMode ||
		s.CalculateRegionScore(a, b) == 0 ||
		s.CalculateLanguageScore(a, b) == 0
}

func (s *CompatibilityService) groupBounds(req *model.MatchRequest) model.GroupSize {
	gs := req.Criteria.GroupSize
	if gs.Min <= 0 && gs.Max <= 0 {
		return s.defaultGroup
	}
	if gs.Min <= 0 {
		gs.Min = s.defaultGroup.Min
	}
	if gs.Max < gs.Min {
		gs.Max = gs.Min
	}
	return gs
}

func intersectBounds(a, b model.GroupSize) (model.GroupSize, bool) {
	out := a
	if b.Min > out.Min {
		out.Min = b.Min
	}
	if b.Max < out.Max {
		out.Max = b.Max
	}
	return out, out.Min <= out.Max
}

// resolveGroupRegion picks the anchor's first region that every member
// accepts, falling back to the queue the anchor was read from
func resolveGroupRegion(members []*model.MatchRequest) string {
	anchor := members[0]
	for _, region := range anchor.Criteria.Regions {
		if region == "" || region == model.WildcardRegion {
			continue
		}
		shared := true
		for _, m := range members[1:] {
			if !acceptsRegion(m, region) {
				shared = false
				break
			}
		}
		if shared {
			return region
		}
	}

	if anchor.QueueRegion != "" {
		return anchor.QueueRegion
	}
	return anchor.Criteria.PrimaryRegion()
}

func acceptsRegion(req *model.MatchRequest, region string) bool {
	if len(req.Criteria.Regions) == 0 {
		return true
	}
	for _, r := range req.Criteria.Regions {
		if r == region || r == model.WildcardRegion {
			return true
		}
	}
	return false
}
