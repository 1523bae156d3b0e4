package keys

import (
	"github.com/cockroachdb/errors"
)

var ErrUnknownKind = errors.New("keys: unknown invalidation kind")

// Invalidation is what a domain event removes: explicit keys plus every key carrying one of Tags.
type Invalidation struct {
	Keys []string `json:"keys,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

type ContestKind string

const (
	ContestParticipation ContestKind = "participation"
	ContestVotes         ContestKind = "votes"
	ContestStats         ContestKind = "stats"
	ContestLeaderboard   ContestKind = "leaderboard"
	ContestAll           ContestKind = "all"
)

type ProfileKind string

const (
	ProfileRank     ProfileKind = "rank"
	ProfileStats    ProfileKind = "stats"
	ProfileContests ProfileKind = "contests"
	ProfileAll      ProfileKind = "all"
)

type GlobalKind string

const (
	GlobalLeaderboard GlobalKind = "leaderboard"
	GlobalStats       GlobalKind = "stats"
	GlobalTrending    GlobalKind = "trending"
	GlobalAll         GlobalKind = "all"
)

const (
	nsContest = "contest"
	nsProfile = "profile"
	nsGlobal  = "global"
)

// ContestTag is carried by every entry derived from one contest.
func ContestTag(id string) string { return nsContest + segSep + id }

// ProfileTag is carried by every entry derived from one profile.
func ProfileTag(id string) string { return nsProfile + segSep + id }

// GlobalTag is carried by site-wide aggregates; GlobalAll yields the umbrella tag.
func GlobalTag(kind GlobalKind) string {
	if kind == GlobalAll || kind == "" {
		return nsGlobal
	}
	return nsGlobal + segSep + string(kind)
}

// ContestKey is the canonical key of one contest aggregate.
func ContestKey(id string, kind ContestKind) string {
	return Build(nsContest, id, nil) + segSep + string(kind)
}

func ProfileKey(id string, kind ProfileKind) string {
	return Build(nsProfile, id, nil) + segSep + string(kind)
}

func GlobalKey(kind GlobalKind) string {
	return Build(nsGlobal, string(kind), nil)
}

// Contest maps a contest event to what it invalidates. A vote changes the
// tally, the leaderboard and the derived stats; new participation changes stats.
func Contest(id string, kind ContestKind) (Invalidation, error) {
	k := func(kinds ...ContestKind) []string {
		out := make([]string, len(kinds))
		for i, kk := range kinds {
			out[i] = ContestKey(id, kk)
		}
		return out
	}
	switch kind {
	case ContestParticipation:
		return Invalidation{Keys: k(ContestParticipation, ContestStats)}, nil
	case ContestVotes:
		return Invalidation{Keys: k(ContestVotes, ContestLeaderboard, ContestStats)}, nil
	case ContestStats:
		return Invalidation{Keys: k(ContestStats)}, nil
	case ContestLeaderboard:
		return Invalidation{Keys: k(ContestLeaderboard)}, nil
	case ContestAll:
		return Invalidation{
			Keys: k(ContestParticipation, ContestVotes, ContestStats, ContestLeaderboard),
			Tags: []string{ContestTag(id)},
		}, nil
	default:
		return Invalidation{}, errors.Wrapf(ErrUnknownKind, "contest %q", kind)
	}
}

// Profile maps a profile event to what it invalidates. Rank feeds the
// global leaderboard, so it takes that tag along.
func Profile(id string, kind ProfileKind) (Invalidation, error) {
	switch kind {
	case ProfileRank:
		return Invalidation{
			Keys: []string{ProfileKey(id, ProfileRank)},
			Tags: []string{GlobalTag(GlobalLeaderboard)},
		}, nil
	case ProfileStats:
		return Invalidation{Keys: []string{ProfileKey(id, ProfileStats)}}, nil
	case ProfileContests:
		return Invalidation{Keys: []string{ProfileKey(id, ProfileContests)}}, nil
	case ProfileAll:
		return Invalidation{
			Keys: []string{
				ProfileKey(id, ProfileRank),
				ProfileKey(id, ProfileStats),
				ProfileKey(id, ProfileContests),
			},
			Tags: []string{ProfileTag(id)},
		}, nil
	default:
		return Invalidation{}, errors.Wrapf(ErrUnknownKind, "profile %q", kind)
	}
}

func Global(kind GlobalKind) (Invalidation, error) {
	switch kind {
	case GlobalLeaderboard, GlobalStats, GlobalTrending:
		return Invalidation{
			Keys: []string{GlobalKey(kind)},
			Tags: []string{GlobalTag(kind)},
		}, nil
	case GlobalAll:
		return Invalidation{
			Keys: []string{GlobalKey(GlobalLeaderboard), GlobalKey(GlobalStats), GlobalKey(GlobalTrending)},
			Tags: []string{GlobalTag(GlobalAll)},
		}, nil
	default:
		return Invalidation{}, errors.Wrapf(ErrUnknownKind, "global %q", kind)
	}
}
