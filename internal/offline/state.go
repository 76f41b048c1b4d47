package offline

import "time"

// Phase is the coordinator state machine position
type Phase string

const (
	// PhaseOnlineIdle is connected with no pass running
	PhaseOnlineIdle Phase = "ONLINE_IDLE"
	// PhaseOnlineSyncing is connected with a pass running
	PhaseOnlineSyncing Phase = "ONLINE_SYNCING"
	// PhaseOffline is disconnected, or offline mode is enabled
	PhaseOffline Phase = "OFFLINE"
)

// State is the snapshot published to subscribers
type State struct {
	// IsOnline is the effective connectivity: the device reading, forced
	// false while offline mode is enabled
	IsOnline            bool       `json:"isOnline"`
	OfflineModeEnabled  bool       `json:"offlineModeEnabled"`
	PendingActionsCount int        `json:"pendingActionsCount"`
	LastSyncTime        *time.Time `json:"lastSyncTime"`
	Phase               Phase      `json:"phase"`
}

func (s State) clone() State {
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		s.LastSyncTime = &t
	}
	return s
}
