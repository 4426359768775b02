package services

import (
	"sort"

	"lifeline/geo"
	"lifeline/models"
)

// ProximityEngine builds range-scoped and aggregate views over session snapshots
type ProximityEngine struct {
	fallback models.Position
}

func NewProximityEngine(fallback models.Position) *ProximityEngine {
	return &ProximityEngine{fallback: fallback}
}

// WithinRange returns the open sessions within radiusKm of observer, nearest
// first. Equal distances keep their input order.
func (e *ProximityEngine) WithinRange(observer models.Position, sessions []models.Session, radiusKm float64) []models.DetectedPeer {
	peers := make([]models.DetectedPeer, 0, len(sessions))
	for _, s := range sessions {
		if s.Status == models.StatusResolved || !s.HasLocation() {
			continue
		}
		d := geo.Distance(observer, *s.CurrentLocation)
		if d > radiusKm {
			continue
		}
		peers = append(peers, models.DetectedPeer{
			Identity:     s.UserID,
			SessionID:    s.ID,
			Position:     *s.CurrentLocation,
			Status:       s.Status,
			LastSeenAt:   s.LastHeartbeat,
			BatteryLevel: s.BatteryLevel,
			DistanceKm:   d,
		})
	}

	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].DistanceKm < peers[j].DistanceKm
	})
	return peers
}

// AreaCentroid is the mean position of ACTIVE and escalated sessions that
// carry a location, or the fallback location when there are none
func (e *ProximityEngine) AreaCentroid(sessions []models.Session) models.Position {
	points := make([]models.Position, 0, len(sessions))
	for _, s := range sessions {
		if !s.HasLocation() {
			continue
		}
		if s.Status == models.StatusActive || s.Status == models.StatusEscalatedSignalLost {
			points = append(points, *s.CurrentLocation)
		}
	}
	return geo.CentroidOr(points, e.fallback)
}

// Summarize counts sessions per status and groups the open ones, escalated
// first, longest silent first within a group
func (e *ProximityEngine) Summarize(sessions []models.Session) models.Summary {
	summary := models.Summary{
		Total: len(sessions),
		Counts: map[models.SessionStatus]int{
			models.StatusActive:              0,
			models.StatusEscalatedSignalLost: 0,
			models.StatusResolved:            0,
		},
		Groups: make(map[models.SessionStatus][]models.Session),
		Order:  []models.SessionStatus{models.StatusEscalatedSignalLost, models.StatusActive},
	}

	for _, s := range sessions {
		summary.Counts[s.Status]++
		if s.Status == models.StatusResolved {
			continue
		}
		summary.Groups[s.Status] = append(summary.Groups[s.Status], s)
	}

	for _, group := range summary.Groups {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].LastHeartbeat.Before(group[j].LastHeartbeat)
		})
	}
	return summary
}
