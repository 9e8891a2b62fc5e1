// Package gossip implements liveness tracking for a group stack. Members
// exchange periodic heartbeats; a phi accrual detector turns their arrival
// times into suspicion levels, and a peer list remembers processes outside
// the current view so coordinators of separated views can find each other
// again after a partition heals.
//
// Typical usage:
//
//	fd := gossip.NewPhiDetector(gossip.DefaultWindow, time.Second)
//	fd.Observe("b", now)
//	if fd.Phi("b", later) > threshold {
//		// suspect b
//	}
package gossip
