package store

// Snapshot names. Each maps to <data_path>/<name>.json.
const (
	SnapshotBundles = "bundles"
	SnapshotSandbox = "sandbox"
	SnapshotUsers   = "users"
)

const (
	eventsFileName   = "events.jsonl"
	cooldownFileName = "aging_cooldown.json"
	lockFileName     = "bms.lock"
)
