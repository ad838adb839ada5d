package service

import "github.com/pooltrace-server/internal/domain"

// DeriveStatus computes the final disposition of a sample from its pool result
// and reflex result. Rules are evaluated in order and the first match wins, so
// a NEG pool is final regardless of any reflex result.
func DeriveStatus(pool domain.PoolResult, reflex domain.ReflexResult) domain.FinalStatus {
	if pool == domain.PoolNeg {
		return domain.FinalNeg
	}
	if reflex == domain.ReflexPos || reflex == domain.ReflexBorderline {
		return domain.FinalPosReview
	}
	if reflex == domain.ReflexNeg {
		return domain.FinalNeg
	}
	return domain.PendingReflex
}

// DeriveLineageStatus derives the final status of a resolved lineage.
func DeriveLineageStatus(l domain.Lineage) domain.FinalStatus {
	return DeriveStatus(l.PoolResult, l.ReflexResult)
}
