package sync

import "github.com/junctionhq/junction/internal/providers/registry"

// Full and incremental passes run in separate lanes: each lane has its
// own run-once scope and notify channel, so a long full pull does not
// block the cheap incremental one.
const (
	runOnceScopeKind = "sync"

	RunOnceScopeNameFull        = "runonce_full"
	RunOnceScopeNameIncremental = "runonce_incremental"

	ResyncNotifyChannelFull        = "junction_resync_requested"
	ResyncNotifyChannelIncremental = "junction_resync_incremental_requested"
)

func RunOnceScopeNameForMode(mode registry.SyncMode) string {
	if mode == registry.SyncModeIncremental {
		return RunOnceScopeNameIncremental
	}
	return RunOnceScopeNameFull
}

func ResyncNotifyChannelForMode(mode registry.SyncMode) string {
	if mode == registry.SyncModeIncremental {
		return ResyncNotifyChannelIncremental
	}
	return ResyncNotifyChannelFull
}

func ModeForResyncChannel(channel string) registry.SyncMode {
	if channel == ResyncNotifyChannelIncremental {
		return registry.SyncModeIncremental
	}
	return registry.SyncModeFull
}
